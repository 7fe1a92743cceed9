package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings of the console.
type KeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Enter    key.Binding
	Tab      key.Binding
	Zone1    key.Binding
	Zone2    key.Binding
	Zone3    key.Binding
	Escape   key.Binding
	Quit     key.Binding
	Log      key.Binding
	Refresh  key.Binding
	Shutdown key.Binding
	Confirm  key.Binding
	Deny     key.Binding

	// Event log filters.
	FilterFeed   key.Binding
	FilterAction key.Binding
	FilterHealth key.Binding
	FilterError  key.Binding
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "prev session"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "next session"),
		),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "detail"),
		),
		Tab: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "cycle zone"),
		),
		Zone1: key.NewBinding(
			key.WithKeys("1"),
			key.WithHelp("1", "live zone"),
		),
		Zone2: key.NewBinding(
			key.WithKeys("2"),
			key.WithHelp("2", "lobby zone"),
		),
		Zone3: key.NewBinding(
			key.WithKeys("3"),
			key.WithHelp("3", "ended zone"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close overlay"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Log: key.NewBinding(
			key.WithKeys("l"),
			key.WithHelp("l", "event log"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Shutdown: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "shutdown session"),
		),
		Confirm: key.NewBinding(
			key.WithKeys("y"),
			key.WithHelp("y", "confirm"),
		),
		Deny: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "cancel"),
		),
		FilterFeed:   key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "toggle feed")),
		FilterAction: key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "toggle actions")),
		FilterHealth: key.NewBinding(key.WithKeys("h"), key.WithHelp("h", "toggle health")),
		FilterError:  key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "toggle errors")),
	}
}
