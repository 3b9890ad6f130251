package router

import (
	"errors"
	"strings"
)

type TargetKind string

const (
	KindSQS TargetKind = "sqs"
	KindSNS TargetKind = "sns"

	// route used when no other route matches
	DefaultRoute = "*"

	DefaultTypePath = "type"
)

// Route is a delivery target for one event type.
type Route struct {
	Kind   TargetKind `json:"kind" yaml:"kind"`
	Target string     `json:"target" yaml:"target"`
}

// Config is the router configuration document.
type Config struct {
	// gjson path of the event type in the request body
	TypePath string           `json:"typePath" yaml:"typePath"`
	Routes   map[string]Route `json:"routes" yaml:"routes"`
}

func (c Config) Validate() error {
	if len(c.Routes) == 0 {
		return errors.New("no routes configured")
	}
	for eventType, route := range c.Routes {
		switch TargetKind(strings.ToLower(string(route.Kind))) {
		case KindSQS, KindSNS:
		default:
			return errors.New("route [" + eventType + "] has invalid kind [" + string(route.Kind) + "]")
		}
		if route.Target == "" {
			return errors.New("route [" + eventType + "] has no target")
		}
	}
	return nil
}

// Lookup returns the route for eventType, falling back to the default route.
func (c Config) Lookup(eventType string) (Route, bool) {
	if route, ok := c.Routes[eventType]; ok {
		return route, true
	}
	route, ok := c.Routes[DefaultRoute]
	return route, ok
}

func (c Config) typePath() string {
	if c.TypePath == "" {
		return DefaultTypePath
	}
	return c.TypePath
}
