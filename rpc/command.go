package rpc

// Command is the closed vocabulary of notification toggles sent to add-ons.
type Command int

const (
	EnablePersonalNotifications Command = iota + 1
	DisablePersonalNotifications
	EnableChannelNotifications
	DisableChannelNotifications
)

type route struct {
	name   string
	method string
	url    string
}

var commandRoutes = [...]route{
	EnablePersonalNotifications:  {name: "EnablePersonalNotifications", method: "POST", url: "/notifications/personal/enable"},
	DisablePersonalNotifications: {name: "DisablePersonalNotifications", method: "POST", url: "/notifications/personal/disable"},
	EnableChannelNotifications:   {name: "EnableChannelNotifications", method: "POST", url: "/notifications/channel/enable"},
	DisableChannelNotifications:  {name: "DisableChannelNotifications", method: "POST", url: "/notifications/channel/disable"},
}

func (c Command) route() (route, bool) {
	if c <= 0 || int(c) >= len(commandRoutes) {
		return route{}, false
	}
	return commandRoutes[c], true
}

func (c Command) String() string {
	if r, ok := c.route(); ok {
		return r.name
	}
	return "Command(unknown)"
}
