package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chadiek/taxmate/internal/agent"
	"github.com/chadiek/taxmate/internal/dispatch"
	"github.com/chadiek/taxmate/internal/logging"
	"github.com/chadiek/taxmate/internal/richtext"
	"github.com/chadiek/taxmate/internal/stt"
	"github.com/chadiek/taxmate/internal/transcript"
	"github.com/chadiek/taxmate/internal/tts"
)

const chatPrompt = "> "

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to Max in the terminal",
	Long: `Start a text-only conversation against CHAT_BASE_URL/chat.

Commands:
  /clear   start a new chat
  /voice   toggle voice output for later replies
  /share   print the transcript and a mailto link
  /quit    leave`,
	RunE: runChatCmd,
}

func runChatCmd(cmd *cobra.Command, args []string) error {
	cfg, log := setup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	changed := make(chan struct{}, 1)
	sess := agent.NewSession(
		dispatch.NewClient(cfg.ChatBaseURL, cfg.ChatTimeout),
		stt.Unavailable{},
		tts.Nop{},
		agent.WithLogger(logging.Component(log, "agent")),
		agent.WithVoiceOutput(cfg.VoiceOutput),
		agent.WithStrict(cfg.StrictInvariants),
		agent.WithOnChange(func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		}),
	)
	defer sess.Close()

	out := cmd.OutOrStdout()
	if acct := openSignedIn(cfg.SessionFile, log); acct != nil {
		if u, ok := acct.User(); ok {
			fmt.Fprintf(out, "Hi %s, I'm Max. Ask me anything about your taxes.\n", u.Name)
		}
	}
	return chatLoop(ctx, cmd.InOrStdin(), out, sess, changed)
}

// chatLoop reads one line at a time, submitting text and handling slash commands.
// It returns when input ends, /quit is entered or ctx is cancelled.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, sess *agent.Session, changed <-chan struct{}) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, chatPrompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/clear":
			sess.Clear()
			fmt.Fprintln(out, "Started a new chat.")
		case line == "/voice":
			if sess.ToggleVoiceOutput() {
				fmt.Fprintln(out, "Voice output on.")
			} else {
				fmt.Fprintln(out, "Voice output off.")
			}
		case line == "/share":
			printShare(out, sess.Snapshot().Exchanges)
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(out, "Unknown command %s\n", line)
		default:
			if err := sess.Submit(line); err != nil {
				fmt.Fprintln(out, err)
				break
			}
			ex, err := awaitReply(ctx, sess, changed)
			if err != nil {
				return nil
			}
			fmt.Fprintf(out, "Max: %s\n", richtext.PlainText(ex.AssistantText))
		}
		fmt.Fprint(out, chatPrompt)
	}
	return scanner.Err()
}

// awaitReply blocks until the pending exchange resolves and returns it.
func awaitReply(ctx context.Context, sess *agent.Session, changed <-chan struct{}) (transcript.Exchange, error) {
	for {
		snap := sess.Snapshot()
		if !snap.AwaitingReply {
			if n := len(snap.Exchanges); n > 0 {
				return snap.Exchanges[n-1], nil
			}
			return transcript.Exchange{}, errors.New("chat was cleared")
		}
		select {
		case <-ctx.Done():
			return transcript.Exchange{}, ctx.Err()
		case <-changed:
		}
	}
}

func printShare(out io.Writer, exchanges []transcript.Exchange) {
	text, err := transcript.Export(exchanges)
	if err != nil {
		fmt.Fprintln(out, err)
		return
	}
	mailto, _ := transcript.MailtoURL(exchanges)
	fmt.Fprintln(out, text)
	fmt.Fprintln(out, mailto)
}
