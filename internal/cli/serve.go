package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON API",
	Long: `Serve the pipeline over HTTP under /v1. OpenAPI docs are at /v1/docs and
each work item's ledger can be followed as Server-Sent Events at
/v1/items/{id}/events.

With --script or --claude the run endpoint and executive resolution are
available; without them the API supports manual operation only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		p, err := loadProducers(cmd.Flags())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withEngine(ctx, p, func(ctx context.Context, e *engine) error {
			handler, err := server.New(server.Config{
				Items:          e.items,
				Transitions:    e.transitions,
				Escalations:    e.escalations,
				Executor:       e.executor,
				Artifacts:      e.artifacts,
				DefaultVariant: e.cfg.Governance.DefaultVariant,
				Logger:         e.logger,
				Version:        version,
			})
			if err != nil {
				return err
			}
			cmd.Printf("stagegate %s listening on %s\n", version, addr)
			return server.ListenAndServe(ctx, addr, handler, e.logger)
		})
	},
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address")
	addProducerFlags(serveCmd.Flags())
}
