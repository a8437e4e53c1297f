package commands

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
)

// newPluginsCmd creates `organaiser plugins`.
func newPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "Show the enabled plugins and the hooks they subscribe to",
		Long: `Install the plugins enabled in the configuration without starting the
assistant, then list them with the reply keys they handle and the lifecycle
hooks they subscribe to.

Examples:
  organaiser plugins
  organaiser plugins --config ./ada.yaml`,
		Args: cobra.NoArgs,
		RunE: runPlugins,
	}
}

func runPlugins(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	st, _, _, err := newPluginStack(cfg, loc, newLogger(cmd, cfg))
	if err != nil {
		return err
	}
	defer st.close()
	defer st.registry.Close()

	describeRegistry(os.Stdout, st.registry)
	return nil
}

// describeRegistry writes the installed plugins, reply keys and hook
// subscriptions of r.
func describeRegistry(w io.Writer, r *plugin.Registry) {
	fmt.Fprintf(w, "Plugins: %s\n", orNone(r.Plugins()))
	fmt.Fprintf(w, "Reply keys: %s\n", orNone(r.ActionKeys()))
	fmt.Fprintf(w, "Hooks (%d):\n", r.HookCount())

	subscribed := r.ListHooks()
	for _, ev := range plugin.AllEvents {
		names := "none"
		if r.HasHooks(ev) {
			list := subscribed[ev]
			slices.Sort(list)
			names = strings.Join(list, ", ")
		}
		fmt.Fprintf(w, "  %s: %s (%s)\n", ev, names, plugin.EventDescription(ev))
	}
}

func orNone(list []string) string {
	if len(list) == 0 {
		return "none"
	}
	return strings.Join(list, ", ")
}
