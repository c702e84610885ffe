// Deskwire: CLI entry point.
//
// This tool joins a remote-desktop session hosted on another machine over the
// host's WebSocket control port. It can chat and take remote control
// interactively, or move files to and from the host's shared folder.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v3"

	"github.com/1ureka/deskwire/internal/config"
	"github.com/1ureka/deskwire/internal/session"
	"github.com/1ureka/deskwire/internal/transfer"
	"github.com/1ureka/deskwire/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	var logFile io.Closer

	return &cli.Command{
		Name:    "deskwire",
		Usage:   "join a remote-desktop session from the terminal",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.StringFlag{Name: "log-file", Usage: "also write logs to a rotating file"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("debug") {
				util.EnableDebug()
			}
			if path := cmd.String("log-file"); path != "" {
				logFile = util.LogToFile(path)
			}
			pterm.Info.Println(fmt.Sprintf("Deskwire v%s", version))
			pterm.Println()
			return ctx, nil
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			if logFile != nil {
				return logFile.Close()
			}
			return nil
		},
		Commands: []*cli.Command{
			connectCommand(),
			filesCommand(),
			uploadCommand(),
			downloadCommand(),
		},
	}
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

func sessionFlags() []cli.Flag {
	def := config.Default()
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "port",
			Usage: "control port of the host",
			Value: int64(def.ControlPort),
		},
		&cli.StringFlag{
			Name:    "name",
			Aliases: []string{"n"},
			Usage:   "display name shown to the host",
			Value:   defaultName(),
		},
		&cli.StringFlag{
			Name:    "password",
			Aliases: []string{"p"},
			Usage:   "session password (prompted for when empty)",
		},
		&cli.StringFlag{
			Name:    "dir",
			Aliases: []string{"d"},
			Usage:   "directory for downloaded files",
			Value:   "downloads",
		},
		&cli.DurationFlag{
			Name:  "chunk-timeout",
			Usage: "time to wait for each chunk before retrying (0 disables)",
			Value: def.ChunkTimeout,
		},
		&cli.DurationFlag{
			Name:  "keep-alive",
			Usage: "PING interval while authenticated (0 disables)",
			Value: def.KeepAliveInterval,
		},
	}
}

func configFrom(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	cfg.ControlPort = int(cmd.Int("port"))
	cfg.ChunkTimeout = cmd.Duration("chunk-timeout")
	cfg.KeepAliveInterval = cmd.Duration("keep-alive")
	return cfg, cfg.Validate()
}

// openSession builds a session from the command flags, connects to the host
// given as the first argument and authenticates.
func openSession(ctx context.Context, cmd *cli.Command) (*session.Session, error) {
	host := cmd.Args().First()
	if host == "" {
		return nil, fmt.Errorf("missing host address")
	}

	cfg, err := configFrom(cmd)
	if err != nil {
		return nil, err
	}

	s, err := session.New(ctx, cfg, session.WithFileSaver(transfer.DirSaver{Dir: cmd.String("dir")}))
	if err != nil {
		return nil, err
	}

	if err := login(ctx, s, host, cmd.String("password"), cmd.String("name")); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func defaultName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "deskwire"
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:      "connect",
		Usage:     "join a session interactively (chat, control, files)",
		ArgsUsage: "<host>",
		Flags: append(sessionFlags(), &cli.BoolFlag{
			Name:  "stats",
			Usage: "log traffic and frame statistics every 10 seconds",
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if cmd.Bool("stats") {
				util.StartStatsReporter(ctx)
			}
			return runInteractive(ctx, s)
		},
	}
}

func filesCommand() *cli.Command {
	return &cli.Command{
		Name:      "files",
		Usage:     "list the host's shared files",
		ArgsUsage: "<host>",
		Flags:     sessionFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			files, err := fetchFiles(ctx, s)
			if err != nil {
				return err
			}
			printFiles(files)
			return nil
		},
	}
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "upload local files to the host",
		ArgsUsage: "<host> <file>...",
		Flags:     sessionFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths := cmd.Args().Tail()
			if len(paths) == 0 {
				return fmt.Errorf("no files to upload")
			}

			s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			return runTransfers(ctx, s, len(paths), transferUpload, func() {
				for _, path := range paths {
					s.UploadPath(path)
				}
			})
		},
	}
}

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "download shared files from the host",
		ArgsUsage: "<host> <name>...",
		Flags:     sessionFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			names := cmd.Args().Tail()
			if len(names) == 0 {
				return fmt.Errorf("no files to download")
			}

			s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			return runTransfers(ctx, s, len(names), transferDownload, func() {
				for _, name := range names {
					s.DownloadFile(name)
				}
			})
		},
	}
}
