package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"github.com/jibun-social/jibun/server"
	"github.com/jibun-social/jibun/util/cliutil"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "jibun",
		Usage:   "federated timeline server",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		runServeCmd,
	}

	return app.Run(args)
}

var runServeCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the api server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "database connection string",
			Value:   "sqlite://./data/jibun/jibun.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "ip or address, and port, to listen on",
			Value:   ":3310",
			EnvVars: []string{"JIBUN_BIND"},
		},
		&cli.StringFlag{
			Name:     "jwt-secret",
			Usage:    "secret used to sign session tokens",
			Required: true,
			EnvVars:  []string{"JIBUN_JWT_SECRET"},
		},
		&cli.StringFlag{
			Name:    "admin-email",
			Usage:   "email of the bootstrap admin account",
			EnvVars: []string{"JIBUN_ADMIN_EMAIL"},
		},
		&cli.StringFlag{
			Name:    "admin-password",
			Usage:   "password of the bootstrap admin account",
			EnvVars: []string{"JIBUN_ADMIN_PASSWORD"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Value:   40,
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			EnvVars: []string{"JIBUN_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			EnvVars: []string{"JIBUN_LOG_FORMAT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		if _, err := cliutil.SetupSlog(cctx.String("log-level"), cctx.String("log-format")); err != nil {
			return err
		}

		db, err := cliutil.SetupDatabase(cctx.String("db-url"), cctx.Int("max-db-connections"))
		if err != nil {
			return err
		}

		srv, err := server.NewServer(db, server.Config{
			JWTSigningKey: cctx.String("jwt-secret"),
			AdminEmail:    cctx.String("admin-email"),
			AdminPassword: cctx.String("admin-password"),
		})
		if err != nil {
			return err
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-quit
			slog.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				slog.Error("shutdown failed", "err", err)
			}
		}()

		return srv.RunAPI(cctx.String("bind"))
	},
}
