// Command notesagent is a line-oriented terminal client for the notes
// server. Plain lines are appended to the open note; lines starting with
// ':' are commands (:help lists them).
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sanity-io/litter"
	"github.com/spf13/viper"

	"github.com/quicknotes/collab/internal/agent"
	"github.com/quicknotes/collab/internal/auth"
)

const usage = `commands:
  :ls                      list my, shared and public notes
  :new <title> [public]    create a note
  :open <note-id>          join a note (leaves the current one)
  :close                   leave the current note
  :share <user-id> [Read|Write]
  :save                    commit now instead of waiting for the pause
  :focus / :blur           mark the editor focused or idle
  :show                    print the local copy
  :state                   dump controller state
  :quit`

type settings struct {
	Server    string
	Token     string
	UserID    string
	Name      string
	JWTSecret string
}

func loadSettings() settings {
	v := viper.New()
	v.SetEnvPrefix("agent")
	v.AutomaticEnv()
	v.SetDefault("server", "http://localhost:8080")
	v.SetDefault("user", os.Getenv("USER"))
	v.SetDefault("jwt_secret", os.Getenv("JWT_SECRET"))

	s := settings{
		Server:    strings.TrimRight(v.GetString("server"), "/"),
		Token:     v.GetString("token"),
		UserID:    v.GetString("user"),
		Name:      v.GetString("name"),
		JWTSecret: v.GetString("jwt_secret"),
	}
	if s.Name == "" {
		s.Name = s.UserID
	}
	return s
}

// wsURL maps http(s)://host to ws(s)://host/ws.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}

type app struct {
	ctrl    *agent.Controller
	surface *agent.MemorySurface
	http    *agent.HTTPClient
	ws      *agent.WSClient
}

func main() {
	log.SetFlags(log.Ltime)
	cfg := loadSettings()
	if cfg.UserID == "" {
		log.Fatal("AGENT_USER is required")
	}

	token := cfg.Token
	if token == "" {
		if cfg.JWTSecret == "" {
			log.Fatal("set AGENT_TOKEN, or JWT_SECRET to sign a local development token")
		}
		var err error
		token, _, err = auth.NewIssuer(cfg.JWTSecret, 24*time.Hour).Sign(cfg.UserID, cfg.Name)
		if err != nil {
			log.Fatalf("failed to sign token: %v", err)
		}
	}

	a := &app{surface: agent.NewMemorySurface(), http: agent.NewHTTPClient(cfg.Server, token)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	wsc, err := agent.Dial(ctx, wsURL(cfg.Server), token)
	cancel()

	// Without the event channel the controller runs on the request channel
	// and receives no live updates.
	var events agent.Transport
	if err != nil {
		fmt.Println(color.YellowString("event channel unavailable (%v); working local-only", err))
	} else {
		a.ws = wsc
		events = wsc
	}

	self := agent.User{ID: cfg.UserID, Name: cfg.Name}
	a.ctrl = agent.NewController(self, a.surface, events, a.http, agent.Options{OnNotice: printNotice})
	if a.ws != nil {
		a.ws.SetEvents(a.ctrl)
		fmt.Println(color.GreenString("connected as %s (session %s)", self.Name, a.ws.SessionID()))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		a.shutdown()
		os.Exit(0)
	}()

	fmt.Println(usage)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			if quit := a.command(strings.Fields(line[1:])); quit {
				break
			}
			continue
		}
		a.edit(line)
	}
	a.shutdown()
}

func (a *app) shutdown() {
	a.ctrl.Terminate()
	// Terminate leaves in the background; give it a moment before the
	// socket goes away.
	time.Sleep(200 * time.Millisecond)
	if a.ws != nil {
		_ = a.ws.Close()
	}
}

func (a *app) edit(line string) {
	if line == "" {
		a.surface.SetFocus(false)
		return
	}
	a.surface.SetFocus(true)
	text := strings.TrimSuffix(a.surface.Text(), "\n")
	if text != "" {
		text += "\n"
	}
	a.surface.SetText(text + line)
	if err := a.ctrl.LocalChange(); err != nil {
		printErr(err)
	}
}

func (a *app) command(args []string) bool {
	if len(args) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch args[0] {
	case "help":
		fmt.Println(usage)
	case "ls":
		l, err := a.http.List(ctx)
		if err != nil {
			printErr(err)
			return false
		}
		printSection("mine", l.Owned)
		printSection("shared", l.Shared)
		printSection("public", l.Public)
	case "new":
		if len(args) < 2 {
			fmt.Println(usage)
			return false
		}
		public := len(args) > 2 && args[len(args)-1] == "public"
		title := args[1:]
		if public {
			title = title[:len(title)-1]
		}
		id, err := a.http.Create(ctx, strings.Join(title, " "), public)
		if err != nil {
			printErr(err)
			return false
		}
		fmt.Println(color.GreenString("created %s", id))
	case "open":
		if len(args) != 2 {
			fmt.Println(usage)
			return false
		}
		s, err := a.ctrl.Open(ctx, args[1])
		if err != nil {
			printErr(err)
			return false
		}
		mode := "read-write"
		if !s.CanWrite {
			mode = "read-only"
		}
		fmt.Println(color.GreenString("opened %q (%s)", s.Title, mode))
		for _, u := range s.ActiveUsers {
			fmt.Println(color.CyanString("  present: %s", u.Name))
		}
		fmt.Print(a.surface.Text())
	case "close":
		if err := a.ctrl.Close(ctx); err != nil {
			printErr(err)
		}
	case "share":
		_, noteID := a.ctrl.State()
		if len(args) < 2 || noteID == "" {
			fmt.Println("open a note first, then :share <user-id> [Read|Write]")
			return false
		}
		level := "Read"
		if len(args) > 2 {
			level = args[2]
		}
		msg, err := a.http.Share(ctx, noteID, args[1], level)
		if err != nil {
			printErr(err)
			return false
		}
		fmt.Println(color.GreenString("%s", msg))
	case "save":
		a.surface.SetFocus(false)
		if err := a.ctrl.Save(); err != nil {
			printErr(err)
		}
	case "focus":
		a.surface.SetFocus(true)
	case "blur":
		a.surface.SetFocus(false)
	case "show":
		fmt.Print(a.surface.Text())
	case "state":
		a.dumpState()
	case "quit", "q":
		return true
	default:
		fmt.Println(color.RedString("unknown command %q", args[0]))
	}
	return false
}

func (a *app) dumpState() {
	st, noteID := a.ctrl.State()
	snapshot := struct {
		State    string
		NoteID   string
		Degraded bool
		Focused  bool
		Roster   []agent.User
		Save     string
		SaveErr  string
		Stats    agent.Stats
	}{
		State:    st.String(),
		NoteID:   noteID,
		Degraded: a.ctrl.Degraded(),
		Focused:  a.surface.Focused(),
		Roster:   a.ctrl.Roster(),
	}
	if r := a.ctrl.Reconciler(); r != nil {
		s, err := r.State()
		snapshot.Save = s.String()
		if err != nil {
			snapshot.SaveErr = err.Error()
		}
		snapshot.Stats = r.Stats()
	}
	fmt.Println(litter.Sdump(snapshot))
}

func printSection(name string, list []agent.NoteSummary) {
	fmt.Println(color.MagentaString("%s (%d)", name, len(list)))
	for _, n := range list {
		line := fmt.Sprintf("  %s  %s", color.BlueString(n.ID), n.Title)
		if n.OwnerName != "" && name != "mine" {
			line += color.HiBlackString("  by %s", n.OwnerName)
		}
		if len(n.Tags) > 0 {
			line += color.HiBlackString("  [%s]", strings.Join(n.Tags, ", "))
		}
		fmt.Println(line)
	}
}

func printNotice(n agent.Notice) {
	switch n.Kind {
	case agent.NoticeUserJoined:
		fmt.Println(color.GreenString("+ %s joined", n.User.Name))
	case agent.NoticeUserLeft:
		fmt.Println(color.YellowString("- %s left", n.User.Name))
	case agent.NoticeApplied:
		fmt.Println(color.CyanString("note updated by %s", who(n.User)))
	case agent.NoticeDropped:
		fmt.Println(color.CyanString("update from %s ignored while editing", who(n.User)))
	case agent.NoticeDegraded:
		fmt.Println(color.RedString("connection lost; changes are saved over HTTP without live updates"))
	}
}

func who(u agent.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

func printErr(err error) {
	fmt.Println(color.RedString("error: %v", err))
}
