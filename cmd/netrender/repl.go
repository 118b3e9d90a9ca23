package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/netrender/backend/internal/dispatch"
)

const (
	historyFile = ".netrender_history"
	promptMain  = "> "
	promptCont  = ". "
	replHelp    = `Lines are run ad hoc in the widget and the response is printed.
End a line with \ to continue it.
  :render <lua>   bind the render entry
  :compute <lua>  bind the compute entry
  :run            invoke the compute entry
  :get            show response and last error
  :clear          clear response and last error
  :remove         remove the widget
  :quit           exit`
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive session against one widget",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		widget, _ := cmd.Flags().GetString("widget")

		ctx := cmd.Context()
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := connect(dialCtx, cmd, cfg)
		cancel()
		if err != nil {
			return err
		}
		defer c.Close()

		out := newPrinter(cmd.OutOrStdout(), false)

		home, _ := os.UserHomeDir()
		histPath := filepath.Join(home, historyFile)

		ln := liner.NewLiner()
		defer ln.Close()
		ln.SetCtrlCAborts(true)

		if f, err := os.Open(histPath); err == nil {
			_, _ = ln.ReadHistory(f)
			_ = f.Close()
		}
		defer func() {
			if f, err := os.Create(histPath); err == nil {
				_, _ = ln.WriteHistory(f)
				_ = f.Close()
			}
		}()

		fmt.Fprintf(cmd.OutOrStdout(), "connected to widget %q, :help for commands\n", widget)
		for {
			line, ok := readLine(ln)
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			ln.AppendHistory(strings.ReplaceAll(line, "\n", " "))

			req, quit, err := parseReplLine(widget, line)
			if quit {
				return nil
			}
			if err != nil {
				out.errorf("%v", err)
				continue
			}
			if req == nil {
				fmt.Fprintln(cmd.OutOrStdout(), replHelp)
				continue
			}

			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			resp, err := c.Send(sendCtx, *req)
			cancel()
			if err != nil {
				return err
			}
			out.print(resp)
		}
	},
}

func init() {
	rootCmd.AddCommand(replCmd)
	addClientFlags(replCmd)
}

// readLine joins lines ending in a backslash.
func readLine(ln *liner.State) (string, bool) {
	var b strings.Builder
	prompt := promptMain
	for {
		line, err := ln.Prompt(prompt)
		if err != nil {
			// io.EOF on ^D, liner.ErrPromptAborted on ^C.
			return "", false
		}
		if strings.HasSuffix(line, `\`) {
			b.WriteString(strings.TrimSuffix(line, `\`))
			b.WriteByte('\n')
			prompt = promptCont
			continue
		}
		b.WriteString(line)
		return b.String(), true
	}
}

// parseReplLine maps one REPL input onto a request. A nil request with no
// error means help was asked for.
func parseReplLine(widget, line string) (req *dispatch.Request, quit bool, err error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, ":") {
		return &dispatch.Request{Widget: widget, Command: dispatch.CmdGetResponse, ComputingScript: line}, false, nil
	}

	name, arg := strings.TrimPrefix(trimmed, ":"), ""
	if i := strings.IndexAny(name, " \t\n"); i >= 0 {
		name, arg = name[:i], strings.TrimSpace(name[i+1:])
	}
	name = strings.ToLower(name)
	switch name {
	case "quit", "q", "exit":
		return nil, true, nil
	case "help", "h", "?":
		return nil, false, nil
	case "render", "compute":
		if arg == "" {
			return nil, false, fmt.Errorf(":%s needs Lua source", name)
		}
		cmd := dispatch.CmdSetRender
		if name == "compute" {
			cmd = dispatch.CmdSetCompute
		}
		return &dispatch.Request{Widget: widget, Command: cmd, Script: arg}, false, nil
	case "run":
		return &dispatch.Request{Widget: widget, Command: dispatch.CmdCompute}, false, nil
	case "get":
		return &dispatch.Request{Widget: widget, Command: dispatch.CmdGetResponse}, false, nil
	case "clear":
		return &dispatch.Request{Widget: widget, Command: dispatch.CmdClearResponse}, false, nil
	case "remove":
		return &dispatch.Request{Widget: widget, Command: dispatch.CmdRemove}, false, nil
	default:
		return nil, false, fmt.Errorf("unknown REPL command :%s, try :help", name)
	}
}
