package rest

import (
	"golang.org/x/time/rate"

	"tenantly.dev/internal/config"
)

// OptionsFromConfig translates the api section of the console config.
func OptionsFromConfig(c config.APIConfig) []Option {
	return []Option{
		WithTimeout(c.Timeout),
		WithLoginRate(rate.Limit(c.LoginRate), c.LoginBurst),
		WithBreakerFailures(c.BreakerFailures),
		WithEventsPath(c.EventsPath),
	}
}
