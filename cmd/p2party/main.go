package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"p2party/internal/logx"
	"p2party/internal/netx"
	"p2party/internal/patch"
	"p2party/internal/presence"
	"p2party/internal/protocol"
	"p2party/internal/room"
	"p2party/pkg/types"
)

// socketTransport is what both real transports offer beyond netx.Transport.
type socketTransport interface {
	netx.Transport
	Start(ctx context.Context) error
	AddPeer(ctx context.Context, addr string) error
	Peers() []string
}

func main() {
	cfgPath := flag.String("config", "", "yaml config file (optional)")
	roomID := flag.String("room", "lobby", "room id")
	nick := flag.String("nick", "", "nickname")
	listen := flag.String("listen", ":7777", "listen addr")
	useWS := flag.Bool("ws", false, "websocket transport instead of tcp")
	peer := flag.String("peer", "", "host to dial (tcp addr, or ws://host:port/ws); empty hosts the room")
	flag.Parse()

	var cfg *types.Config
	var err error
	if *cfgPath != "" {
		cfg, err = types.Load(*cfgPath)
		if err != nil {
			fmt.Println("config error:", err)
			os.Exit(1)
		}
	} else {
		cfg = types.Default(*roomID)
	}
	if *nick != "" {
		cfg.Nickname = *nick
	}

	log := logx.New(cfg.Logging.Env, cfg.Logging.Debug, cfg.Logging.AddSource)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transportID := protocol.NewTransportID()
	var tx socketTransport
	if *useWS {
		tx = netx.NewWS(transportID, *listen, log)
	} else {
		tx = netx.NewTCP(transportID, *listen, log)
	}
	if err := tx.Start(ctx); err != nil {
		fmt.Println("transport error:", err)
		os.Exit(1)
	}

	store, err := presence.OpenStore(cfg.IdentityDB)
	if err != nil {
		log.Warn("identity store unavailable, joining fresh", zap.Error(err))
		store = nil
	} else {
		defer store.Close()
	}

	s := room.NewSession(cfg, voteRules{}, tx, store, log)
	s.OnEnded(func(err error) {
		fmt.Println("\nroom ended:", err)
		cancel()
	})

	if *peer == "" {
		if err := s.Host(ctx); err != nil {
			fmt.Println("host error:", err)
			os.Exit(1)
		}
		fmt.Printf("hosting room %s as %s on %s\n", cfg.RoomID, s.PlayerID(), *listen)
	} else {
		if err := tx.AddPeer(ctx, *peer); err != nil {
			fmt.Println("dial error:", err)
			os.Exit(1)
		}
		hostID, err := waitForPeer(tx)
		if err != nil {
			fmt.Println("handshake error:", err)
			os.Exit(1)
		}
		if err := s.Join(ctx, hostID); err != nil {
			fmt.Println("join error:", err)
			os.Exit(1)
		}
		fmt.Printf("joining room %s via %s\n", cfg.RoomID, *peer)
	}

	fmt.Println("type 'help' for commands")
	repl(ctx, s, tx)
	s.Close()
}

// waitForPeer blocks until the hello exchange with the dialed host finishes.
func waitForPeer(tx socketTransport) (string, error) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if peers := tx.Peers(); len(peers) > 0 {
			return peers[0], nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return "", netx.ErrPeerUnreachable
}

func repl(ctx context.Context, s *room.Session, tx socketTransport) {
	in := bufio.NewScanner(os.Stdin)
	prompt := func() { fmt.Print("> ") }
	prompt()
	for in.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			prompt()
			continue
		}
		args := strings.Fields(line)
		switch strings.ToLower(args[0]) {
		case "help":
			printHelp()
		case "whoami":
			fmt.Printf("player=%s transport=%s host=%v status=%s\n",
				s.PlayerID(), tx.MyID(), s.IsHost(), s.Status())
		case "players":
			for _, id := range s.Players() {
				mark := ""
				if id.IsHost {
					mark = " (host)"
				}
				fmt.Printf(" - %s %s%s\n", id.LogicalID, id.Nickname, mark)
			}
		case "host":
			fmt.Println("host:", s.HostID())
		case "state":
			doc := s.Document()
			b, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			fmt.Printf("version=%d\n%s\n", s.Version(), b)
		case "version":
			fmt.Println("version:", s.Version())
		case "vote":
			if len(args) < 2 {
				fmt.Println("usage: vote <option>")
				break
			}
			submit(ctx, s, "submit_vote", map[string]any{"option": args[1]})
		case "bet":
			if len(args) < 2 {
				fmt.Println("usage: bet <amount>")
				break
			}
			amt, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				fmt.Println("bad amount:", args[1])
				break
			}
			submit(ctx, s, "place_bet", map[string]any{"amount": amt})
		case "addpeer":
			if len(args) < 2 {
				fmt.Println("usage: addpeer <addr>")
				break
			}
			if err := tx.AddPeer(ctx, args[1]); err != nil {
				fmt.Println("dial error:", err)
			} else {
				fmt.Println("peer added")
			}
		case "leave":
			s.Leave()
			fmt.Println("left the room")
			return
		case "quit", "exit":
			fmt.Println("bye")
			return
		default:
			fmt.Println("unknown command; type 'help'")
		}
		prompt()
	}
}

func submit(ctx context.Context, s *room.Session, action string, payload map[string]any) {
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	ack, err := s.SubmitAction(sctx, action, payload)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !ack.OK {
		fmt.Println("rejected:", ack.Reason)
		return
	}
	fmt.Println("accepted")
}

func printHelp() {
	fmt.Println(`commands:
  whoami
  players
  host
  state
  version
  vote <option>
  bet <amount>
  addpeer <addr>
  leave
  quit`)
}

// voteRules is the built-in demo game: a voting phase, then a betting phase,
// then done. Real games plug their own rules into room.NewSession.
type voteRules struct{}

func (voteRules) InitialState() patch.Doc {
	return patch.Doc{
		"phase": "voting",
		"votes": map[string]any{},
		"bets":  map[string]any{},
	}
}

func (voteRules) ValidateAction(doc patch.Doc, action, playerID string, _ json.RawMessage) error {
	phase, _ := doc["phase"].(string)
	want := map[string]string{"submit_vote": "voting", "place_bet": "betting"}
	need, ok := want[action]
	if !ok {
		return fmt.Errorf("unknown action %q", action)
	}
	if phase != need {
		return fmt.Errorf("%s not allowed in phase %q", action, phase)
	}
	return nil
}

func (voteRules) ApplyAction(doc patch.Doc, action, playerID string, payload json.RawMessage) error {
	var body struct {
		Option string  `json:"option"`
		Amount float64 `json:"amount"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &body); err != nil {
			return err
		}
	}
	key, val := "votes", any(body.Option)
	if action == "place_bet" {
		key, val = "bets", any(body.Amount)
	}
	m, ok := doc[key].(map[string]any)
	if !ok {
		m = map[string]any{}
		doc[key] = m
	}
	m[playerID] = val
	return nil
}

func (voteRules) PhaseComplete(doc patch.Doc, action string) bool {
	key := "votes"
	if action == "place_bet" {
		key = "bets"
	}
	m, _ := doc[key].(map[string]any)
	players, _ := doc["players"].(map[string]any)
	count := 0
	for id, raw := range players {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if status, _ := entry["status"].(string); status == "absent" {
			continue
		}
		count++
		if _, voted := m[id]; !voted {
			return false
		}
	}
	return count > 0
}

func (voteRules) AdvancePhase(doc patch.Doc) {
	switch doc["phase"] {
	case "voting":
		doc["phase"] = "betting"
	case "betting":
		doc["phase"] = "done"
	}
}

func (voteRules) OnPlayerLeft(doc patch.Doc, playerID string) {
	for _, key := range []string{"votes", "bets"} {
		if m, ok := doc[key].(map[string]any); ok {
			delete(m, playerID)
		}
	}
}
