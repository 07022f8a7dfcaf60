package session

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/waggleworks/waggle/log"
)

// NotificationsEnabled gates desktop notifications. Wired from
// Config.NotificationsEnabled by the daemon and CLI entry points.
var NotificationsEnabled = true

// printable strips control runes so a session-supplied string cannot
// break out of the osascript expression.
func printable(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 0x20 && r != 0x7F {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// notifyCmd builds the platform notifier invocation. Returns nil when
// the platform has no notifier or the tool is not installed.
func notifyCmd(title, body string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", printable(body), printable(title))
		return exec.Command("osascript", "-e", script)
	case "linux":
		path, err := exec.LookPath("notify-send")
		if err != nil {
			return nil
		}
		return exec.Command(path, "--app-name=waggle", title, body)
	default:
		return nil
	}
}

// Notify sends a fire-and-forget desktop notification. Recovery runs
// unattended, so delivery failures are logged and dropped, never retried.
func Notify(title, body string) {
	if !NotificationsEnabled {
		return
	}
	cmd := notifyCmd(title, body)
	if cmd == nil {
		return
	}
	if err := cmd.Start(); err != nil {
		log.WarningLog.Printf("failed to send notification %q: %v", title, err)
		return
	}
	go func() { _ = cmd.Wait() }()
}
