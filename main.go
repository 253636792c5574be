// Command contentfleet runs the posts, search and media services of the
// content platform. Each service is its own process, coupled to the others
// only through post events on the message bus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "contentfleet",
		Short:         "Posts, search and media services kept consistent over a message bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	for _, service := range []string{servicePosts, serviceSearch, serviceMedia} {
		root.AddCommand(newServeCmd(service, &configPath))
	}
	root.AddCommand(newPublishCmd(&configPath), newTokenCmd(&configPath))
	return root
}
