package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mossy-p/telehealth-signaling/config"
	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	"github.com/mossy-p/telehealth-signaling/internal/negotiation"
	"github.com/mossy-p/telehealth-signaling/internal/participant"
	"github.com/mossy-p/telehealth-signaling/internal/signalclient"
)

var (
	flagRoom     string
	flagRole     string
	flagServer   string
	flagToken    string
	flagSTUN     []string
	flagLoopback bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an appointment room and take part in the call",
	Long: `Join an appointment room and run one side of the call.

The role normally comes from the appointment; --role is only used for rooms
the server has no appointment for. Type a line to send it as chat, /resume to
retry blocked playback and /hangup to leave.

Examples:
  callclient join --room apt-123 --token $SIGNALING_TOKEN
  callclient join --room walk-in --role responder --server ws://localhost:8080/ws/signal`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		applyJoinFlags(cfg)

		role := models.Role(flagRole)
		if role != "" && !role.Valid() {
			return fmt.Errorf("--role must be %q or %q", models.RoleInitiator, models.RoleResponder)
		}
		if cfg.Token == "" {
			return errors.New("no token: pass --token or set SIGNALING_TOKEN (see callclient login)")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return join(ctx, cfg, role)
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "appointment room id")
	joinCmd.Flags().StringVar(&flagRole, "role", "", "initiator or responder, for rooms without an appointment")
	joinCmd.Flags().StringVar(&flagServer, "server", "", "signaling websocket URL (default from SIGNALING_URL)")
	joinCmd.Flags().StringVarP(&flagToken, "token", "t", "", "signaling token (default from SIGNALING_TOKEN)")
	joinCmd.Flags().StringSliceVar(&flagSTUN, "stun", nil, "STUN server URLs (default from STUN_SERVERS)")
	joinCmd.Flags().BoolVar(&flagLoopback, "loopback", false, "gather loopback candidates for same-host calls")
	_ = joinCmd.MarkFlagRequired("room")
}

func applyJoinFlags(cfg *config.ClientConfig) {
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if flagToken != "" {
		cfg.Token = flagToken
	}
	if len(flagSTUN) > 0 {
		cfg.STUNServers = flagSTUN
	}
}

func join(ctx context.Context, cfg *config.ClientConfig, role models.Role) error {
	log := logger.New(cfg.Environment, cfg.LogLevel)

	printTitle(fmt.Sprintf("Joining %s", flagRoom))

	conn, err := signalclient.Dial(ctx, cfg.ServerURL, cfg.Token, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	factory, err := negotiation.NewPionFactory(log, negotiation.FactoryOptions{IncludeLoopback: flagLoopback})
	if err != nil {
		return err
	}

	p, err := participant.New(participant.Config{
		RoomID:        flagRoom,
		Role:          role,
		SettleDelay:   cfg.SettleDelay,
		AnswerTimeout: cfg.AnswerTimeout,
		ICEServers:    negotiation.ICEServers(cfg.STUNServers),
	}, conn, factory, &negotiation.SyntheticMedia{}, log)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		renderEvents(p)
	}()
	go func() {
		defer wg.Done()
		for chat := range p.Chats() {
			printChat(chat.UserID, chat.SentAt, chat.Text)
		}
	}()
	go readCommands(ctx, p)

	err = p.Run(ctx)
	wg.Wait()
	if err != nil {
		return err
	}
	printInfo("call ended")
	return nil
}

func renderEvents(p *participant.Participant) {
	announced := false
	for ev := range p.Events() {
		if !announced && p.Role() != "" {
			printInfo(fmt.Sprintf("joined as %s", p.Role()))
			announced = true
		}

		switch ev.Kind {
		case negotiation.EventState:
			printState(ev.Attempt, ev.State)
		case negotiation.EventPeerLeft:
			printWarning("counterpart left, waiting for them to rejoin")
		case negotiation.EventMediaBlocked:
			printWarning("remote playback blocked, type /resume to retry")
		case negotiation.EventRemoteTrack:
			printSuccess(fmt.Sprintf("receiving remote track %s", ev.TrackID))
		case negotiation.EventError:
			if ev.Err != nil {
				printError(ev.Err.Error())
			}
		}
	}
}

func readCommands(ctx context.Context, p *participant.Participant) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/hangup", "/quit":
			p.Hangup()
			return
		case "/resume":
			p.ResumePlayback()
			continue
		}

		if err := p.SendChat(ctx, line); err != nil {
			printError(fmt.Sprintf("chat not sent: %v", err))
		}
	}
}
