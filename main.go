package main

import "github.com/metal-toolbox/bladedirector/cmd"

func main() {
	cmd.Execute()
}
