// Command api-server runs the pharmacy checkout API.
package main

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	pharmacy "github.com/xenking/pharmacy-api/internal/app"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := pharmacy.LoadConfig()
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		lg.Info("Starting pharmacy API",
			zap.String("addr", cfg.Addr),
			zap.Bool("smtp", cfg.Mail.SMTPHost != ""),
		)
		return pharmacy.Run(ctx, lg, m, cfg)
	})
}
