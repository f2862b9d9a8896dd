package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/config"
	"github.com/loqalabs/rhinos/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

type globalFlags struct {
	server   string
	surface  string
	user     string
	password string
	token    string
}

// register binds the shared flags. Credentials default to the same
// RHINOS_BUS_* variables rhinosd reads.
func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.server, "server", "nats://127.0.0.1:4222", "NATS server URL")
	fs.StringVar(&g.surface, "surface", "default", "Target surface id")
	fs.StringVar(&g.user, "user", os.Getenv("RHINOS_BUS_USERNAME"), "Bus username")
	fs.StringVar(&g.password, "password", os.Getenv("RHINOS_BUS_PASSWORD"), "Bus password")
	fs.StringVar(&g.token, "token", os.Getenv("RHINOS_BUS_TOKEN"), "Bus token")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'read', 'pause', 'stop', 'state', 'watch' or 'version'")
		os.Exit(2)
	}

	var g globalFlags
	var err error
	switch os.Args[1] {
	case "read":
		cmd := flag.NewFlagSet("read", flag.ExitOnError)
		g.register(cmd)
		cmd.Parse(os.Args[2:])
		err = runRead(g, strings.Join(cmd.Args(), " "))
	case "pause":
		cmd := flag.NewFlagSet("pause", flag.ExitOnError)
		g.register(cmd)
		cmd.Parse(os.Args[2:])
		err = runControl(g, protocol.ActionControlPause)
	case "stop":
		cmd := flag.NewFlagSet("stop", flag.ExitOnError)
		g.register(cmd)
		cmd.Parse(os.Args[2:])
		err = runControl(g, protocol.ActionControlStop)
	case "state":
		cmd := flag.NewFlagSet("state", flag.ExitOnError)
		g.register(cmd)
		cmd.Parse(os.Args[2:])
		err = runState(g)
	case "watch":
		cmd := flag.NewFlagSet("watch", flag.ExitOnError)
		g.register(cmd)
		cmd.Parse(os.Args[2:])
		err = runWatch(g)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func busConfig(g globalFlags) config.BusConfig {
	cfg := config.Default().Bus
	cfg.Embedded = false
	cfg.Servers = []string{g.server}
	cfg.Username = g.user
	cfg.Password = g.password
	cfg.Token = g.token
	return cfg
}

func connect(g globalFlags) (*bus.Client, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(context.Background(), busConfig(g), "rhinosctl", logger)
}

func runRead(g globalFlags, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("usage: rhinosctl read [flags] <text>")
	}
	client, err := connect(g)
	if err != nil {
		return err
	}
	defer client.Close()

	delivery, err := client.Deliver(context.Background(), protocol.SubjectTrigger, protocol.Trigger{
		SelectedText:    text,
		TargetSurfaceID: g.surface,
	})
	if err != nil {
		return err
	}
	if delivery == bus.NoReceiver {
		return errors.New("no orchestrator is listening")
	}
	fmt.Println("queued")
	return nil
}

func runControl(g globalFlags, action protocol.Action) error {
	client, err := connect(g)
	if err != nil {
		return err
	}
	defer client.Close()

	delivery, err := client.Deliver(context.Background(), protocol.PlayerSubject(g.surface), protocol.Message{
		Action:    action,
		SurfaceID: g.surface,
	})
	if err != nil {
		return err
	}
	if delivery == bus.NoReceiver {
		return errors.New("no active player found")
	}
	fmt.Println(delivery)
	return nil
}

func runState(g globalFlags) error {
	client, err := connect(g)
	if err != nil {
		return err
	}
	defer client.Close()

	replies := make(chan protocol.Message, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectControllerState, func(msg *nats.Msg) {
		var m protocol.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil || m.SurfaceID != g.surface {
			return
		}
		select {
		case replies <- m:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		return err
	}

	delivery, err := client.Deliver(context.Background(), protocol.PlayerSubject(g.surface), protocol.Message{
		Action:    protocol.ActionGetPlayerState,
		SurfaceID: g.surface,
	})
	if err != nil {
		return err
	}
	if delivery == bus.NoReceiver {
		return errors.New("no active player found")
	}

	select {
	case m := <-replies:
		fmt.Println(m.State)
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("player did not report its state")
	}
}

func runWatch(g globalFlags) error {
	client, err := connect(g)
	if err != nil {
		return err
	}
	defer client.Close()

	show := func(msg *nats.Msg) {
		fmt.Printf("%s %s %s\n", time.Now().Format(time.TimeOnly), msg.Subject, msg.Data)
	}
	conn := client.Conn()
	for _, subject := range []string{protocol.SubjectControllerState, protocol.AlertSubject(g.surface)} {
		sub, err := conn.Subscribe(subject, show)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
