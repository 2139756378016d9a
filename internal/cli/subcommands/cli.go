package subcommands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"LlamaRun/internal/runtime"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorBlue   = "\033[34m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

// RunPrompt streams one completion for prompt to out.
func RunPrompt(ctx context.Context, backend Backend, sess Session, prompt string, out io.Writer) error {
	return streamTo(ctx, backend, sess, prompt, out)
}

func streamTo(ctx context.Context, backend Backend, sess Session, prompt string, out io.Writer) error {
	return backend.Stream(ctx, sess.Request(prompt), func(ev runtime.StreamEvent) error {
		if !ev.Final {
			_, err := io.WriteString(out, ev.Delta)
			return err
		}
		fmt.Fprintln(out)
		if ev.Finish == runtime.FinishCancelled {
			fmt.Fprintf(out, "%s[cancelled]%s\n", colorYellow, colorReset)
		}
		if sess.ShowStats && ev.Stats != nil {
			fmt.Fprintf(out, "%s%s%s\n", colorGray, formatStats(*ev.Stats, ev.Finish), colorReset)
		}
		return nil
	})
}

// RunCli reads prompts line by line from in. Ctrl+C stops the generation
// in progress; at the prompt it exits as usual.
func RunCli(ctx context.Context, backend Backend, sess Session, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "%sLlamaRun interactive mode%s\n", colorBold, colorReset)
	fmt.Fprintf(out, "%sType /exit to quit | /help for commands | end a line with \\ to continue%s\n\n", colorGray, colorReset)

	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%sYou: %s", colorBlue+colorBold, colorReset)
		line, err := reader.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(line) == "" {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("read input: %w", err)
		}

		message := strings.TrimSpace(line)
		for strings.HasSuffix(message, "\\") {
			message = strings.TrimSuffix(message, "\\") + "\n"
			fmt.Fprintf(out, "%s...  %s", colorGray, colorReset)
			next, _ := reader.ReadString('\n')
			message += strings.TrimSpace(next)
		}
		if message == "" {
			continue
		}

		if strings.HasPrefix(message, "/") {
			quit := handleCommand(backend, &sess, message, out)
			if quit {
				fmt.Fprintf(out, "%sGoodbye!%s\n", colorCyan, colorReset)
				return nil
			}
			continue
		}

		genCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		fmt.Fprintf(out, "%sLlamaRun: %s", colorGreen+colorBold, colorReset)
		err = streamTo(genCtx, backend, sess, message, out)
		stop()
		if err != nil {
			fmt.Fprintf(out, "\n%sruntime error: %v%s\n", colorRed, err, colorReset)
		}
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprintln(out)
	}
}

// handleCommand runs a slash command and reports whether to quit.
func handleCommand(backend Backend, sess *Session, cmd string, out io.Writer) bool {
	fields := strings.Fields(cmd)
	switch strings.ToLower(fields[0]) {
	case "/exit", "/quit", "/bye":
		return true
	case "/help":
		printCliHelp(out)
	case "/config":
		fmt.Fprintln(out, describeSession(*sess))
	case "/tokens":
		text := strings.TrimSpace(strings.TrimPrefix(cmd, fields[0]))
		if err := printTokens(backend, text, out); err != nil {
			fmt.Fprintf(out, "%s%v%s\n", colorRed, err, colorReset)
		}
	case "/set":
		parts := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(cmd, fields[0])), " ", 2)
		if len(parts) < 2 {
			fmt.Fprintf(out, "%sUsage: /set <param> <value>%s\n", colorYellow, colorReset)
			break
		}
		if err := setParam(sess, parts[0], parts[1]); err != nil {
			fmt.Fprintf(out, "%s%v%s\n", colorYellow, err, colorReset)
			break
		}
		fmt.Fprintf(out, "Param %s%s%s set to %s\n", colorCyan, parts[0], colorReset, strings.TrimSpace(parts[1]))
	default:
		fmt.Fprintf(out, "%sUnknown command: %s (type /help for available commands)%s\n", colorYellow, fields[0], colorReset)
	}
	return false
}

func printCliHelp(out io.Writer) {
	fmt.Fprintf(out, `
%sCommands%s
  /help                  show this help
  /config                show session settings
  /tokens <text>         show how text is tokenized
  /set <param> <value>   temperature, max_tokens, top_k, top_p, min_p,
                         repeat_penalty, repeat_last_n, stop (comma separated),
                         system, raw, stats
  /exit                  quit

`, colorBold, colorReset)
}
