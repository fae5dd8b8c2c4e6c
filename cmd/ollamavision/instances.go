package main

import (
	"fmt"
	"io"
	"os"

	"github.com/remimikalsen/local-image-description-ha/internal/config"
	"github.com/remimikalsen/local-image-description-ha/internal/registry"
)

// InstancesCmd prints the configured instances.
type InstancesCmd struct{}

// Run executes the instances command.
func (c *InstancesCmd) Run(cli *CLI) error {
	instances, err := cli.loadConfig().Instances()
	if err != nil {
		return fmt.Errorf("failed to load instances: %w", err)
	}
	printInstances(os.Stdout, instances)
	return nil
}

func printInstances(w io.Writer, instances []config.InstanceConfig) {
	for i, inst := range instances {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s (%s)\n", inst.ID, inst.Name)
		fmt.Fprintf(w, "  Device ID:  %s\n", registry.DeviceIDFor(inst.ID))
		fmt.Fprintf(w, "  Backend:    %s\n", inst.Backend)
		if inst.Backend == config.BackendOllama {
			fmt.Fprintf(w, "  Endpoint:   %s:%d\n", inst.Host, inst.Port)
		}
		fmt.Fprintf(w, "  Model:      %s\n", inst.Model)
		if inst.TextEnabled() {
			fmt.Fprintf(w, "  Text model: %s at %s:%d\n", inst.TextModel, inst.TextHost, inst.TextPort)
		}
		fmt.Fprintf(w, "  Stream:     %t\n", inst.Stream)
		fmt.Fprintf(w, "  Timeout:    %s\n", inst.Timeout)
	}
}
