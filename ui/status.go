// Package ui renders the read-only status surfaces of the waggle CLI:
// the classified session table, shared context summaries, event lines, and
// the version banner. Nothing here mutates coordination state.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/waggleworks/waggle/recovery"
	"github.com/waggleworks/waggle/sharedctx"
)

// freshnessBarWidth is the heartbeat bar width in the session table.
const freshnessBarWidth = 10

// RenderSessions renders one row per classified session: icon, id, role,
// state, heartbeat age with a freshness bar, and held resource locks.
// staleAfter is the heartbeat age at which the bar runs empty.
func RenderSessions(dets []*recovery.Detection, staleAfter time.Duration) string {
	if len(dets) == 0 {
		return dimStyle.Render("no sessions registered")
	}

	sorted := make([]*recovery.Detection, len(dets))
	copy(sorted, dets)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SessionID < sorted[j].SessionID
	})

	idW, roleW := len("SESSION"), len("ROLE")
	for _, det := range sorted {
		if w := len(det.SessionID); w > idW {
			idW = w
		}
		if det.Record != nil {
			if w := len(det.Record.Role); w > roleW {
				roleW = w
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("  %-*s  %-*s  %-16s  %-*s  %s",
		idW, "SESSION", roleW, "ROLE", "STATE", freshnessBarWidth+9, "HEARTBEAT", "LOCKS")))
	sb.WriteString("\n")

	for _, det := range sorted {
		icon, style := stateStyle(det.State)

		role, locks := "-", ""
		var age time.Duration
		if det.Record != nil {
			role = det.Record.Role
			age = det.HeartbeatAge
			locks = strings.Join(det.Record.LockedResources, ",")
		}

		heartbeat := fmt.Sprintf("%s %-7s", freshnessBar(det.State, age, staleAfter), humanDuration(age))
		sb.WriteString(fmt.Sprintf("%s %-*s  %-*s  %-16s  %s  %s",
			style.Render(icon),
			idW, det.SessionID,
			roleW, role,
			style.Render(string(det.State)),
			heartbeat,
			dimStyle.Render(locks)))
		sb.WriteString("\n")
		if det.Reason != "" && det.State != recovery.StateAlive {
			sb.WriteString(dimStyle.Render(fmt.Sprintf("    %s", det.Reason)))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// freshnessBar maps heartbeat age onto a draining gradient bar. Terminal
// states render an empty bar; ALIVE drains from full toward stale.
func freshnessBar(state recovery.State, age, staleAfter time.Duration) string {
	filled := 0
	if state == recovery.StateAlive && staleAfter > 0 {
		remaining := 1 - float64(age)/float64(staleAfter)
		if remaining < 0 {
			remaining = 0
		}
		filled = int(remaining*float64(freshnessBarWidth) + 0.5)
	}
	return GradientBar(freshnessBarWidth, filled, "#51bd73", "#E0C070")
}

// RenderSnapshot renders the merged shared context view: shard versions,
// the subscriber roster, and every key with a short value preview.
func RenderSnapshot(snap *sharedctx.ContextSnapshot) string {
	var sb strings.Builder

	versions := make([]string, len(snap.ShardVersions))
	for i, v := range snap.ShardVersions {
		versions[i] = fmt.Sprintf("%d", v)
	}
	sb.WriteString(headerStyle.Render("shared context"))
	sb.WriteString(dimStyle.Render(fmt.Sprintf("  %d keys, shard versions [%s], updated %s",
		len(snap.Data), strings.Join(versions, " "), humanTimestamp(snap.UpdatedAt))))
	sb.WriteString("\n")
	if len(snap.Subscribers) > 0 {
		sb.WriteString(dimStyle.Render(fmt.Sprintf("  subscribers: %s", strings.Join(snap.Subscribers, ", "))))
		sb.WriteString("\n")
	}

	keys := make([]string, 0, len(snap.Data))
	for key := range snap.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := snap.Data[key]
		sb.WriteString(fmt.Sprintf("  %s = %s\n", key, valuePreview(value)))
	}
	return sb.String()
}

// maxPreviewLen bounds scalar previews so one huge value cannot wreck the
// status layout.
const maxPreviewLen = 48

func valuePreview(v sharedctx.Value) string {
	switch v.Kind {
	case sharedctx.KindScalar:
		s := v.Scalar
		if len(s) > maxPreviewLen {
			s = s[:maxPreviewLen-1] + "…"
		}
		return fmt.Sprintf("%q", s)
	case sharedctx.KindList:
		return dimStyle.Render(fmt.Sprintf("[list, %d elements]", len(v.List)))
	case sharedctx.KindMap:
		return dimStyle.Render(fmt.Sprintf("{map, %d keys}", len(v.Map)))
	default:
		return dimStyle.Render("<unknown>")
	}
}

// RenderEvent renders one event log entry as a single line.
func RenderEvent(e sharedctx.ContextEvent) string {
	author := e.SessionID
	if len(author) > 8 {
		author = author[:8]
	}
	line := fmt.Sprintf("%s  %-6s  %-8s  %s",
		humanTimestamp(e.Timestamp), e.Type, author, e.Key)
	if e.NewValue != nil {
		line += " = " + valuePreview(*e.NewValue)
	}
	if e.Warning != "" {
		line += "  " + warnStyle.Render(e.Warning)
	}
	return line
}

// humanDuration trims a duration to a status-friendly precision.
func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	switch {
	case d < time.Minute:
		return d.Truncate(time.Second).String()
	case d < time.Hour:
		return d.Truncate(time.Minute).String()
	default:
		return d.Truncate(time.Hour).String()
	}
}

func humanTimestamp(unixNano int64) string {
	if unixNano == 0 {
		return "never"
	}
	return time.Unix(0, unixNano).Format("2006-01-02 15:04:05")
}
