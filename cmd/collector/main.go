// Command collector runs a list of sudo commands on every configured host
// and publishes each command's output to RabbitMQ.
//
//	collector --config config/collector.yaml --ask-pass
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pershinghar/go-sudo-collection/pkg/config"
	"github.com/pershinghar/go-sudo-collection/pkg/models"
	"github.com/pershinghar/go-sudo-collection/pkg/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type options struct {
	configPath string
	askPass    bool
	noPublish  bool
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "collector",
		Short:        "Run sudo commands on remote hosts and publish their output",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "config/collector.yaml", "collector config file (.json, .yaml or .yml)")
	cmd.Flags().BoolVar(&opts.askPass, "ask-pass", false, "prompt for the sudo password instead of reading it from the config")
	cmd.Flags().BoolVar(&opts.noPublish, "no-publish", false, "log results instead of publishing them")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func run(ctx context.Context, opts options) error {
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	log := logrus.WithField("component", "collector")
	log.Info("starting collector")

	cfg, err := config.LoadCollector(opts.configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log.WithField("hosts", len(cfg.Hosts)).Infof("loaded config %s", opts.configPath)

	sudoPassword := cfg.SudoPassword
	if opts.askPass {
		sudoPassword, err = readPassword("sudo password: ")
		if err != nil {
			return fmt.Errorf("failed to read sudo password: %w", err)
		}
	}

	var publisher util.Publisher
	if cfg.RabbitMQ != nil && !opts.noPublish {
		mq := util.NewRabbitMQClient(cfg.RabbitMQ)
		if err := mq.Connect(ctx); err != nil {
			return err
		}
		defer mq.Close()
		publisher = mq
	}

	// one deadline for the entire collection cycle
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var failed atomic.Int32

	for i := range cfg.Hosts {
		host := cfg.Hosts[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sudoWorker(ctx, &host, cfg.Commands, sudoPassword, publisher); err != nil {
				failed.Add(1)
			}
		}()
	}
	log.Info("waiting for all workers to complete")
	wg.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d hosts failed", n, len(cfg.Hosts))
	}
	log.Info("all workers completed")
	return nil
}

func sudoWorker(ctx context.Context, host *models.SSHConfig, commands []string, sudoPassword string, publisher util.Publisher) error {
	log := logrus.WithField("host", host.Hostname)

	conn, err := util.NewConnection(host, util.WithLogger(log))
	if err != nil {
		log.WithError(err).Error("invalid host config")
		return err
	}
	defer conn.Close()

	// sudo usually wants the login password
	if sudoPassword == "" {
		sudoPassword = host.Password
	}

	if err := util.CollectSudo(ctx, conn, commands, sudoPassword, publisher); err != nil {
		log.WithError(err).Error("collection failed")
		return err
	}

	log.WithField("commands", len(commands)).Info("collection completed")
	return nil
}

// readPassword prompts on stderr and reads without echo when stdin is a terminal.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
