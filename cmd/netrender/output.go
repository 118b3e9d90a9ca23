package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/muesli/termenv"

	"github.com/netrender/backend/internal/dispatch"
)

// printer renders responses, coloured when w is a terminal.
type printer struct {
	w   io.Writer
	out *termenv.Output
	raw bool
}

func newPrinter(w io.Writer, raw bool) *printer {
	return &printer{w: w, out: termenv.NewOutput(w), raw: raw}
}

func (p *printer) print(resp dispatch.Response) {
	if p.raw {
		data, _ := json.Marshal(resp)
		fmt.Fprintln(p.w, string(data))
		return
	}

	switch {
	case resp.Error != nil:
		label := p.out.String(fmt.Sprintf("error %d", resp.Error.Code)).Foreground(p.out.Color("1")).Bold()
		fmt.Fprintf(p.w, "%s %s\n", label, resp.Error.Message)
	case resp.Response != nil:
		fmt.Fprintln(p.w, *resp.Response)
		if resp.LastError != nil && *resp.LastError != "" {
			fmt.Fprintln(p.w, p.out.String("last error: "+*resp.LastError).Foreground(p.out.Color("3")))
		}
	default:
		fmt.Fprintln(p.w, p.out.String(resp.Status).Foreground(p.out.Color("2")))
	}
}

func (p *printer) errorf(format string, args ...any) {
	fmt.Fprintln(p.w, p.out.String(fmt.Sprintf(format, args...)).Foreground(p.out.Color("1")))
}
