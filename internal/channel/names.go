package channel

import "strings"

// Names derives the channel names for one session. Any process can compute
// them from the application and event ids alone.
type Names struct {
	App   string
	Event string
}

// AppEvents is the application-wide channel carrying create_event and
// remove_event requests.
func AppEvents(app string) string {
	return app + ":events"
}

func (n Names) Session() string {
	return n.App + ":e:" + n.Event
}

func (n Names) Actions() string {
	return n.Session() + ":actions"
}

func (n Names) Participants() string {
	return n.Session() + ":participants"
}

func (n Names) Spectators() string {
	return n.Session() + ":spectators"
}

// Private is the channel only the given participant and the session share.
func (n Names) Private(participantID string) string {
	return n.Session() + ":participant:" + participantID
}

// ParticipantPrefix is the prefix every private channel of the session shares.
func (n Names) ParticipantPrefix() string {
	return n.Session() + ":participant:"
}

// ParseSession recovers app and event ids from a session channel name.
func ParseSession(name string) (Names, bool) {
	app, rest, ok := strings.Cut(name, ":e:")
	if !ok || app == "" || rest == "" {
		return Names{}, false
	}
	event, _, _ := strings.Cut(rest, ":")
	return Names{App: app, Event: event}, true
}
