package remote

import "time"

func DefaultConfig() Config {
	return Config{
		RequestTimeout:   10 * time.Second,
		TransportRetries: 2,
		RetryWait:        time.Second,
		RateLimit:        5,
		RateBurst:        10,
	}
}

//nolint:lll
type Config struct {
	URL              string        `long:"api-url"              description:"Base URL of the remote challenge service"`
	RequestTimeout   time.Duration `long:"request-timeout"      description:"Timeout of a single HTTP request"`
	TransportRetries int           `long:"transport-retries"    description:"HTTP-level retries for connection errors and 5xx answers"`
	RetryWait        time.Duration `long:"transport-retry-wait" description:"Minimum wait between HTTP-level retries"`
	RateLimit        float64       `long:"rate-limit"           description:"Maximum requests per second sent to the remote service (0 disables)"`
	RateBurst        int           `long:"rate-burst"           description:"Requests allowed above the rate limit in a burst"`
	UserAgent        string        `long:"user-agent"           description:"User-Agent header sent with every request"`
}
