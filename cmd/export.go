package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/bladedirector/internal/provision"
	"github.com/metal-toolbox/bladedirector/internal/runner"
	"github.com/metal-toolbox/bladedirector/internal/statemachine"
	"github.com/spf13/cobra"

	"github.com/emicklei/dot"
)

type exportFlags struct {
	biosSM  bool
	vmSM    bool
	vmSteps bool
	mermaid bool
	json    bool
}

var (
	exportFlagSet = &exportFlags{}
)

var cmdExportStatemachine = &cobra.Command{
	Use:   "export-statemachine --bios|--vm|--vm-steps [--json|--mermaid]",
	Short: "Export the BIOS and VM provisioning operation statemachines as mermaid graphs or JSON",
	Run: func(_ *cobra.Command, _ []string) {
		exportStatemachine()
	},
}

func asGraph(s *sw.StateMachineJSON) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	nodes := map[string]dot.Node{}

	for _, transition := range s.TransitionRules {
		_, exists := nodes[transition.DestinationState]
		if !exists {
			nodes[transition.DestinationState] = g.Node(transition.DestinationState)
		}

		for _, sourceState := range transition.SourceStates {
			_, exists := nodes[sourceState]
			if !exists {
				nodes[sourceState] = g.Node(sourceState)
			}

			g.Edge(nodes[sourceState], nodes[transition.DestinationState], transition.Name)
		}
	}

	return g
}

func exportOperationStatemachine(m *statemachine.OperationStateMachine) {
	j, err := m.DescribeAsJSON()
	if err != nil {
		log.Fatal(err)
	}

	if exportFlagSet.json {
		fmt.Println(string(j))
		os.Exit(0)
	}

	t := &sw.StateMachineJSON{}
	if err := json.Unmarshal(j, t); err != nil {
		log.Fatal(err)
	}

	fmt.Println(dot.MermaidGraph(asGraph(t), dot.MermaidTopDown))
}

func biosStatemachine() *statemachine.OperationStateMachine {
	return statemachine.NewOperationStateMachine(statemachine.StateBooting, &statemachine.NoopTransitioner{})
}

func vmStatemachine() *statemachine.OperationStateMachine {
	return statemachine.NewOperationStateMachine(statemachine.StateProvisioning, &statemachine.NoopTransitioner{})
}

func vmProvisioningSteps() {
	steps := provision.StepDocs()

	if exportFlagSet.json {
		j, err := json.MarshalIndent(steps, "", "  ")
		if err != nil {
			log.Fatal(err)
		}

		fmt.Println(string(j))

		return
	}

	fmt.Println(dot.MermaidGraph(runner.Graph(steps), dot.MermaidTopDown))
}

func exportStatemachine() {
	if exportFlagSet.biosSM {
		exportOperationStatemachine(biosStatemachine())

		return
	}

	if exportFlagSet.vmSM {
		exportOperationStatemachine(vmStatemachine())

		return
	}

	if exportFlagSet.vmSteps {
		vmProvisioningSteps()

		return
	}

	log.Println("expected --bios, --vm OR --vm-steps flag")
	os.Exit(1)
}

func init() {
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.biosSM, "bios", "", false, "export the BIOS operation statemachine")
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.vmSM, "vm", "", false, "export the VM provisioning operation statemachine")
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.vmSteps, "vm-steps", "", false, "export the VM provisioning steps")
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.mermaid, "mermaid", "", true, "export statemachine in mermaid format")
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.json, "json", "", false, "export statemachine in the JSON format")

	rootCmd.AddCommand(cmdExportStatemachine)
}
