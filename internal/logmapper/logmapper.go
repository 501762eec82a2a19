// Package logmapper converts journal records into the OpenTelemetry Logs
// data model, grouping each batch by _SYSTEMD_UNIT. It performs no I/O.
package logmapper

import (
	"sort"
	"strconv"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/journalclient"
)

const (
	fieldCursor     = "__CURSOR"
	fieldRealtime   = "__REALTIME_TIMESTAMP"
	fieldMessage    = "MESSAGE"
	fieldPriority   = "PRIORITY"
	fieldSystemdUnit = "_SYSTEMD_UNIT"

	unknownUnit = "unknown"
)

// reservedFields are never passed through as log attributes: MESSAGE,
// PRIORITY and __REALTIME_TIMESTAMP fill dedicated LogRecord fields,
// _SYSTEMD_UNIT becomes the resource's service.name, and __CURSOR is not
// carried into the OTLP output at all.
var reservedFields = map[string]bool{
	fieldCursor:     true,
	fieldRealtime:   true,
	fieldMessage:    true,
	fieldPriority:   true,
	fieldSystemdUnit: true,
}

// Drop reasons counted in the mapper's result, matching
// ojgf_entries_dropped_total{reason}.
const (
	DropNoMessage = "no_message"
)

// Map groups records by _SYSTEMD_UNIT and converts each group into one
// OTLP ResourceLogs with resource attributes host.name=hostName,
// service.name=<unit>, os.type=linux, plus every (k, v) from labels.
// Records without MESSAGE are dropped and counted in the returned map.
// now is used as the fallback timestamp when __REALTIME_TIMESTAMP is
// absent or unparsable.
func Map(hostName string, labels map[string]string, records []journalclient.Record, now time.Time) ([]*logspb.ResourceLogs, map[string]int) {
	dropped := make(map[string]int)

	var unitOrder []string
	groups := make(map[string][]*logspb.LogRecord)

	for _, rec := range records {
		msg, ok := rec[fieldMessage]
		if !ok {
			dropped[DropNoMessage]++
			continue
		}

		unit := rec[fieldSystemdUnit]
		if unit == "" {
			unit = unknownUnit
		}
		if _, seen := groups[unit]; !seen {
			unitOrder = append(unitOrder, unit)
		}
		groups[unit] = append(groups[unit], buildLogRecord(rec, msg, now))
	}

	resourceLogs := make([]*logspb.ResourceLogs, 0, len(unitOrder))
	for _, unit := range unitOrder {
		resourceLogs = append(resourceLogs, &logspb.ResourceLogs{
			Resource: &resourcepb.Resource{
				Attributes: resourceAttributes(hostName, unit, labels),
			},
			ScopeLogs: []*logspb.ScopeLogs{
				{LogRecords: groups[unit]},
			},
		})
	}

	return resourceLogs, dropped
}

func buildLogRecord(rec journalclient.Record, message string, now time.Time) *logspb.LogRecord {
	severityNumber, severityText := severityFor(rec[fieldPriority])

	return &logspb.LogRecord{
		TimeUnixNano:   timeUnixNanoFor(rec, now),
		SeverityNumber: severityNumber,
		SeverityText:   severityText,
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: message},
		},
		Attributes: attributesFrom(rec),
	}
}

func timeUnixNanoFor(rec journalclient.Record, now time.Time) uint64 {
	raw, ok := rec[fieldRealtime]
	if ok {
		if micros, err := strconv.ParseInt(raw, 10, 64); err == nil && micros >= 0 {
			return uint64(micros) * 1000
		}
	}
	return uint64(now.UnixNano())
}

// severityFor maps a journal PRIORITY (syslog severity 0-7) to its OTLP
// severity number and text.
func severityFor(priority string) (logspb.SeverityNumber, string) {
	switch priority {
	case "0", "1":
		return logspb.SeverityNumber_SEVERITY_NUMBER_FATAL, "FATAL"
	case "2", "3":
		return logspb.SeverityNumber_SEVERITY_NUMBER_ERROR, "ERROR"
	case "4":
		return logspb.SeverityNumber_SEVERITY_NUMBER_WARN, "WARN"
	case "5", "6":
		return logspb.SeverityNumber_SEVERITY_NUMBER_INFO, "INFO"
	case "7":
		return logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG, "DEBUG"
	default:
		return logspb.SeverityNumber_SEVERITY_NUMBER_INFO, "INFO"
	}
}

// attributesFrom carries every field not recognized by name into OTLP log
// attributes, sorted by key so output is deterministic.
func attributesFrom(rec journalclient.Record) []*commonpb.KeyValue {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if reservedFields[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, stringKV(k, rec[k]))
	}
	return attrs
}

func resourceAttributes(hostName, unit string, labels map[string]string) []*commonpb.KeyValue {
	attrs := []*commonpb.KeyValue{
		stringKV("host.name", hostName),
		stringKV("service.name", unit),
		stringKV("os.type", "linux"),
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, stringKV(k, labels[k]))
	}

	return attrs
}

func stringKV(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}
