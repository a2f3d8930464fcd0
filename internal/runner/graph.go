package runner

import (
	"github.com/emicklei/dot"
	"github.com/metal-toolbox/bladedirector/internal/model"
)

// Graph draws the steps of an operation, each step either leads to the next one or fails the operation.
func Graph(steps model.Steps) *dot.Graph {
	g := dot.NewGraph(dot.Directed)

	pending := g.Node(string(model.StepPending))
	succeeded := g.Node(string(model.StepSucceeded))
	failed := g.Node(string(model.StepFailed))

	prev := pending

	for _, step := range steps {
		n := g.Node(string(step.Name))
		if step.Description != "" {
			n.Attr("tooltip", step.Description)
		}

		g.Edge(prev, n)
		g.Edge(n, failed, "error or deadline passed")

		prev = n
	}

	g.Edge(prev, succeeded, "operation completed")

	return g
}
