package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/obsidianstack/tripwire/agent/internal/config"
	"github.com/obsidianstack/tripwire/agent/internal/evaluate"
	"github.com/obsidianstack/tripwire/agent/internal/notify"
	"github.com/obsidianstack/tripwire/agent/internal/source"
)

// maxListedEntities caps the entity lines in one message body.
const maxListedEntities = 50

// composeMessage renders the notification for a violating verdict.
func composeMessage(c config.Condition, kind source.Kind, v evaluate.Verdict, at time.Time) notify.Message {
	var body string
	switch kind {
	case source.KindFreshness:
		body = fmt.Sprintf("Heartbeat delayed!\nMarker: %s\nDelay: %.3f seconds\nThreshold: %gs\nTime: %s\n",
			c.Source.Path, v.Value, v.Threshold, at.UTC().Format(time.RFC3339))
	case source.KindList:
		body = listBody(c, v) + "\nTime: " + at.UTC().Format(time.RFC3339) + "\n"
	default:
		body = fmt.Sprintf("%s: %.3f (%s %g)\n", c.ID, v.Value, opOrDefault(c.Op), v.Threshold)
		if c.Source.Query != "" {
			body += "Query: " + strings.TrimSpace(c.Source.Query) + "\n"
		}
		body += "Time: " + at.UTC().Format(time.RFC3339) + "\n"
	}
	return notify.NewMessage(c.ID, c.Severity, c.Subject, body, v.Value, v.Threshold, at)
}

func listBody(c config.Condition, v evaluate.Verdict) string {
	if len(v.Matched) == 0 {
		switch c.Source.Type {
		case "pods":
			return "No problematic pods found.\n"
		case "alertmanager":
			return "No firing alerts.\n"
		default:
			return "No matching series.\n"
		}
	}

	var b strings.Builder
	switch c.Source.Type {
	case "pods":
		b.WriteString("Found problematic pods:\n\n")
	case "alertmanager":
		fmt.Fprintf(&b, "%d firing alerts:\n\n", len(v.Matched))
	default:
		fmt.Fprintf(&b, "%d matching series:\n\n", len(v.Matched))
	}

	for i, e := range v.Matched {
		if i == maxListedEntities {
			fmt.Fprintf(&b, "... and %d more\n", len(v.Matched)-maxListedEntities)
			break
		}
		b.WriteString(entityLine(c.Source.Type, e))
		b.WriteByte('\n')
	}
	return b.String()
}

func entityLine(sourceType string, e source.Entity) string {
	switch sourceType {
	case "pods":
		return fmt.Sprintf("%s/%s container=%s state=%s restarts=%.0f",
			e.Labels["namespace"], e.Labels["pod"], e.Labels["container"], e.Labels["reason"], e.Value)
	case "alertmanager":
		return fmt.Sprintf("%s (severity=%s, instance=%s) - %s",
			e.Name, labelOr(e.Labels, "severity"), e.Labels["instance"], e.Annotations["summary"])
	case "promql_vector":
		return fmt.Sprintf("%s (severity=%s) -> %.0f", e.Name, labelOr(e.Labels, "severity"), e.Value)
	default:
		return fmt.Sprintf("%s %s = %g", e.Name, formatLabels(e.Labels), e.Value)
	}
}

// composeSourceDown renders the notification for a sustained source outage.
func composeSourceDown(c config.Condition, streak int, cause error, at time.Time) notify.Message {
	body := fmt.Sprintf("Source for condition %s has been unavailable for %d consecutive samples.\nType: %s\nLast error: %v\nTime: %s\n",
		c.ID, streak, c.Source.Type, cause, at.UTC().Format(time.RFC3339))
	return notify.NewMessage(sourceDownID(c.ID), c.Severity, c.Subject+": source unavailable", body,
		float64(streak), float64(c.SourceDownAfter), at)
}

func sourceDownID(conditionID string) string { return conditionID + config.SourceDownSuffix }

func labelOr(labels map[string]string, key string) string {
	if v, ok := labels[key]; ok && v != "" {
		return v
	}
	return "unknown"
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func opOrDefault(op string) string {
	if op == "" {
		return ">"
	}
	return op
}
