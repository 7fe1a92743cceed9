// Command conductor-top is a terminal console for a running conductor: it
// follows the admin feed and lets an operator inspect and shut down
// sessions.
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/agent-racer/conductor/internal/app"
	"github.com/agent-racer/conductor/internal/client"
)

type options struct {
	URL     string `env:"CONDUCTOR_TOP_URL" envDefault:"ws://127.0.0.1:8080/admin/ws"`
	Token   string `env:"CONDUCTOR_ADMIN_AUTH_TOKEN"`
	LogFile string `env:"CONDUCTOR_TOP_LOG"`
}

func main() {
	var opts options
	if err := env.Parse(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	flag.StringVar(&opts.URL, "url", opts.URL, "Admin feed URL of the conductor")
	flag.StringVar(&opts.Token, "token", opts.Token, "Admin auth token (if the conductor requires it)")
	flag.StringVar(&opts.LogFile, "log", opts.LogFile, "Write Bubble Tea debug output to this file")
	flag.Parse()

	if opts.LogFile != "" {
		f, err := tea.LogToFile(opts.LogFile, "conductor-top")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
	}

	ws := client.NewWSClient(opts.URL, opts.Token)
	httpClient := client.NewHTTPClient(deriveHTTPBase(opts.URL), opts.Token)

	p := tea.NewProgram(app.New(ws, httpClient), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deriveHTTPBase converts ws://host:port/admin/ws to http://host:port.
func deriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return "http://127.0.0.1:8080"
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") || u.Scheme == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
