/*
Package mixpanel is a client-side analytics SDK for Mixpanel-style ingestion
APIs.

# Overview

A Client records two kinds of messages: tracked events and people-profile
updates. Each message is stamped with the persisted identity (project token,
distinct ID, super properties), appended to a durable queue, and delivered
in batches to /track and /engage. Recording never waits on the network, and
anything not yet delivered survives a process restart.

# Basic Usage

	cfg := mixpanel.DefaultConfiguration()
	cfg.Token = "YOUR_PROJECT_TOKEN"
	cfg.StoragePath = filepath.Join(dataDir, "mixpanel.db")

	client, err := mixpanel.New(cfg)
	if err != nil {
	    log.Fatal(err)
	}
	defer client.Close(context.Background())

	client.Identify("user-42")
	client.RegisterSuperProperties(map[string]any{"app_version": "1.4.0"})

	err = client.TrackEvent(ctx, "Signup", map[string]any{"plan": "free"})
	err = client.SetOnceProfileProperty(ctx, "first_seen", time.Now())
	err = client.IncrementProfileProperty(ctx, "logins", 1)

# Delivery

With AutoFlush on, the queue flushes every FlushInterval. Flush sends what is
queued immediately; Close stops the loop and makes a final attempt. A failed
flush removes nothing. Transient failures (timeouts, 5xx, 429) are retried
inline with bounded exponential backoff, and the periodic loop backs off up to
MaxBackoff. A batch the server rejects ParkAfter times in a row is parked so
it cannot block later messages; see Queue().Parked().

# Configuration

Configuration can be built in code or loaded:

	c, err := config.FromFile("mixpanel.yaml")
	cfg := mixpanel.ConfigurationFrom(c)

	// MIXPANEL_TOKEN, MIXPANEL_FLUSH_INTERVAL, ...
	c, err = config.FromEnv("MIXPANEL_", ".env")

# Observability

Logging uses log/slog. Metrics and tracing use OpenTelemetry and are off
unless enabled:

	client, err := mixpanel.New(cfg,
	    mixpanel.WithLogger(logger),
	    mixpanel.WithMetrics(observability.NewMetricsRecorder()),
	    mixpanel.WithSpanManager(observability.NewSpanManager()),
	)

# Errors

Methods return errors instead of panicking. Recording before a token is set
returns errors.ErrMissingToken. A property value that cannot be serialized
returns an *errors.SerializationError and only that message is dropped.
Storage failures are *errors.PersistenceError; delivery failures surface from
Flush as *errors.NetworkError or *errors.HTTPError.
*/
package mixpanel
