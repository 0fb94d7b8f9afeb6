package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	sessionsCreated    metric.Int64Counter
	creationFailures   metric.Int64Counter
	participantsJoined metric.Int64Counter
	eventsApplied      metric.Int64Counter
	activeWatchers     metric.Int64UpDownCounter
	snapshotDuration   metric.Float64Histogram
)

// InitMembershipMetrics registers the membership instruments on the global meter provider.
// The Record helpers are no-ops until it has run.
func InitMembershipMetrics() error {
	meter := otel.Meter("pokersync.membership")

	var err error

	sessionsCreated, err = meter.Int64Counter(
		"membership.sessions.created",
		metric.WithDescription("Number of sessions provisioned with a host"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	creationFailures, err = meter.Int64Counter(
		"membership.creation.failures",
		metric.WithDescription("Number of failed session provisioning attempts"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	participantsJoined, err = meter.Int64Counter(
		"membership.participants.joined",
		metric.WithDescription("Number of participants admitted to a session"),
		metric.WithUnit("{participant}"),
	)
	if err != nil {
		return err
	}

	eventsApplied, err = meter.Int64Counter(
		"membership.events.applied",
		metric.WithDescription("Participant change events that altered a watched view"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	activeWatchers, err = meter.Int64UpDownCounter(
		"membership.watchers.active",
		metric.WithDescription("Open membership watch connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return err
	}

	snapshotDuration, err = meter.Float64Histogram(
		"membership.snapshot.duration",
		metric.WithDescription("Time from start to synchronized view"),
		metric.WithUnit("ms"),
	)
	return err
}

func RecordSessionCreated(ctx context.Context) {
	if sessionsCreated != nil {
		sessionsCreated.Add(ctx, 1)
	}
}

// RecordCreationFailure counts a provisioning failure by error kind.
func RecordCreationFailure(ctx context.Context, kind string) {
	if creationFailures != nil {
		creationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func RecordParticipantJoined(ctx context.Context) {
	if participantsJoined != nil {
		participantsJoined.Add(ctx, 1)
	}
}

func RecordEventApplied(ctx context.Context, cause string) {
	if eventsApplied != nil {
		eventsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
	}
}

func RecordSnapshotDuration(ctx context.Context, durationMs float64, state string) {
	if snapshotDuration != nil {
		snapshotDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("state", state)))
	}
}

// WatcherOpened and WatcherClosed track live watch connections.
func WatcherOpened(ctx context.Context) {
	if activeWatchers != nil {
		activeWatchers.Add(ctx, 1)
	}
}

func WatcherClosed(ctx context.Context) {
	if activeWatchers != nil {
		activeWatchers.Add(ctx, -1)
	}
}
