// Copyright 2026 The ChatterBox Authors
// SPDX-License-Identifier: Apache-2.0

// chatterbox-client is a console ChatterBox endpoint: it registers
// with the signaling server, shows the domain roster, exchanges chat
// messages, and places and answers calls from stdin commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/chatterbox-project/chatterbox/call"
	"github.com/chatterbox-project/chatterbox/client"
	"github.com/chatterbox-project/chatterbox/lib/clock"
	"github.com/chatterbox-project/chatterbox/lib/config"
	"github.com/chatterbox-project/chatterbox/media"
	chatsignal "github.com/chatterbox-project/chatterbox/signal"
)

const (
	settingUserID = "user_id"
	settingName   = "name"

	heartbeatInterval = 5 * time.Second
	reconnectDelay    = 2 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var settingsPath string
	var serverAddress string
	var name string
	var domain string
	var video bool
	var logLevel string

	flagSet := pflag.NewFlagSet("chatterbox-client", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $CHATTERBOX_CONFIG)")
	flagSet.StringVar(&settingsPath, "settings", "chatterbox-settings.yaml", "path to the persistent settings file")
	flagSet.StringVar(&serverAddress, "server", "", "signaling server address (overrides config)")
	flagSet.StringVar(&name, "name", "", "display name (overrides settings)")
	flagSet.StringVar(&domain, "domain", "", "domain to register in (overrides config)")
	flagSet.BoolVar(&video, "video", true, "place calls with video enabled")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("parsing --log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else if os.Getenv("CHATTERBOX_CONFIG") != "" {
		cfg, err = config.Load()
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serverAddress != "" {
		cfg.Client.ServerAddress = serverAddress
	}
	if domain != "" {
		cfg.Client.Domain = domain
	}

	settings, err := config.OpenSettings(settingsPath)
	if err != nil {
		return fmt.Errorf("opening settings: %w", err)
	}
	userID, ok := settings.Get(settingUserID)
	if !ok {
		if userID = cfg.Client.UserID; userID == "" {
			userID = uuid.NewString()
		}
		if err := settings.Set(settingUserID, userID); err != nil {
			return fmt.Errorf("persisting user id: %w", err)
		}
	}
	if name == "" {
		name = settings.GetDefault(settingName, cfg.Client.Name)
	}
	if name == "" {
		if name, err = os.Hostname(); err != nil {
			return fmt.Errorf("choosing display name: %w", err)
		}
	}
	if err := settings.Set(settingName, name); err != nil {
		return fmt.Errorf("persisting display name: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	app := &app{
		ctx:    ctx,
		logger: logger,
		video:  video,
		roster: make(map[string]chatsignal.PeerData),
	}
	app.channel = client.New(client.Config{
		ServerAddress:  cfg.Client.ServerAddress,
		UserID:         userID,
		Name:           name,
		Domain:         cfg.Client.Domain,
		PushChannelURI: cfg.Client.PushChannelURI,
	}, app, logger, clk)

	iceServers := make([]media.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		iceServers = append(iceServers, media.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	app.machine = call.New(call.Config{
		Outbox:    app.channel,
		Engines:   media.NewFactory(media.Config{ICEServers: iceServers}, logger),
		Indicator: app,
	}, logger, clk)

	fmt.Printf("connecting to %s as %q in domain %s\n", cfg.Client.ServerAddress, name, cfg.Client.Domain)
	if err := app.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer app.channel.Close()

	go app.heartbeatLoop(clk)

	app.printHelp()
	return app.commandLoop(os.Stdin)
}

// app wires the signaling channel, the call machine, and the console
// together. It is the channel's Handler and the machine's Indicator.
type app struct {
	ctx     context.Context
	logger  *slog.Logger
	channel *client.Channel
	machine *call.Machine
	video   bool

	mu     sync.Mutex
	roster map[string]chatsignal.PeerData
}

func (a *app) commandLoop(input *os.File) error {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		var err error
		switch strings.ToLower(verb) {
		case "help":
			a.printHelp()
		case "peers":
			_, err = a.channel.RequestPeerList()
		case "call":
			err = a.placeCall(rest)
		case "answer":
			err = a.machine.Answer()
		case "reject":
			err = a.machine.Reject()
		case "hangup":
			err = a.machine.Hangup()
		case "hold":
			err = a.machine.Hold()
		case "resume":
			err = a.machine.Resume()
		case "camera":
			err = a.machine.SwitchCamera()
		case "msg":
			err = a.sendMessage(rest)
		case "state":
			fmt.Printf("call state: %s\n", a.machine.State())
		case "quit", "exit":
			return nil
		default:
			fmt.Printf("unknown command %q, try help\n", verb)
		}
		if err != nil {
			fmt.Printf("%s: %v\n", verb, err)
		}
	}
	return scanner.Err()
}

func (a *app) printHelp() {
	fmt.Println(`commands:
  peers              request the domain roster
  call <user>        place a call (user id or display name)
  answer | reject    respond to an incoming call
  hangup             end the current call
  hold | resume      park and unpark the current call
  camera             switch the camera mid-call
  msg <user> <text>  send an instant message
  state              show the call state
  quit               disconnect and exit`)
}

// resolvePeer accepts either a user id or a display name, matched
// against the last roster the server sent.
func (a *app) resolvePeer(who string) (chatsignal.PeerData, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if peer, ok := a.roster[who]; ok {
		return peer, nil
	}
	for _, peer := range a.roster {
		if strings.EqualFold(peer.Name, who) {
			return peer, nil
		}
	}
	return chatsignal.PeerData{}, fmt.Errorf("unknown peer %q, try peers first", who)
}

func (a *app) placeCall(who string) error {
	if who == "" {
		return errors.New("usage: call <user>")
	}
	peer, err := a.resolvePeer(who)
	if err != nil {
		return err
	}
	fmt.Printf("calling %s...\n", peer.Name)
	return a.machine.Call(peer.UserID, peer.Name, a.video)
}

func (a *app) sendMessage(rest string) error {
	who, text, _ := strings.Cut(rest, " ")
	if who == "" || text == "" {
		return errors.New("usage: msg <user> <text>")
	}
	peer, err := a.resolvePeer(who)
	if err != nil {
		return err
	}
	return a.channel.SendToPeer(peer.UserID, peer.Name, chatsignal.TagInstantMessage, text)
}

func (a *app) heartbeatLoop(clk clock.Clock) {
	ticker := clk.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.channel.Heartbeat(); err != nil && !errors.Is(err, net.ErrClosed) {
				a.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

func (a *app) RegistrationConfirmed(reply *chatsignal.RegisteredReply) {
	fmt.Printf("registered, avatar %d\n", reply.Avatar)
	if _, err := a.channel.RequestPeerList(); err != nil {
		a.logger.Warn("requesting peer list", "error", err)
	}
}

func (a *app) PeerList(list *chatsignal.PeerList) {
	a.mu.Lock()
	a.roster = make(map[string]chatsignal.PeerData, len(list.Peers))
	for _, peer := range list.Peers {
		a.roster[peer.UserID] = peer
	}
	a.mu.Unlock()

	peers := append([]chatsignal.PeerData(nil), list.Peers...)
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })
	fmt.Printf("%d peer(s):\n", len(peers))
	for _, peer := range peers {
		status := "offline"
		if peer.IsOnline {
			status = "online"
		}
		fmt.Printf("  %-20s %s  (%s)\n", peer.Name, status, peer.UserID)
	}
}

func (a *app) PeerPresence(update *chatsignal.PeerUpdate) {
	a.mu.Lock()
	a.roster[update.Peer.UserID] = update.Peer
	a.mu.Unlock()
	status := "went offline"
	if update.Peer.IsOnline {
		status = "came online"
	}
	fmt.Printf("%s %s\n", update.Peer.Name, status)
}

func (a *app) Relay(m *chatsignal.RelayMessage) {
	if m.Tag == chatsignal.TagInstantMessage {
		fmt.Printf("%s: %s\n", m.FromName, m.Payload)
		return
	}
	a.machine.HandleRelay(m)
}

func (a *app) ServerError(e *chatsignal.ErrorReply) {
	fmt.Printf("server error: %s\n", e.ErrorMessage)
}

// Disconnected keeps retrying in the background until the connection
// is back or the program is shutting down.
func (a *app) Disconnected(err error) {
	fmt.Printf("disconnected: %v, reconnecting...\n", err)
	go func() {
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			err := a.channel.Connect(a.ctx)
			if err == nil {
				fmt.Println("reconnected")
				return
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			a.logger.Debug("reconnect failed", "error", err)
		}
	}()
}

func (a *app) IncomingCall(peerName string, videoEnabled bool) {
	kind := "audio"
	if videoEnabled {
		kind = "video"
	}
	fmt.Printf("incoming %s call from %s: answer or reject?\n", kind, peerName)
}

func (a *app) CallStarted() {
	fmt.Println("call connected")
}

func (a *app) CallEnded() {
	fmt.Println("call ended")
}
