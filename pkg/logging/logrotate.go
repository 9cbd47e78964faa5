package logging

import "fmt"

// LogrotateConfig renders a logrotate snippet for a component's log directory.
// Install it as /etc/logrotate.d/fishtest-<component>.
func LogrotateConfig(dir, component string, keepDays int) string {
	if dir == "" {
		dir = DefaultLogDir
	}
	if keepDays <= 0 {
		keepDays = 14
	}
	return fmt.Sprintf(`# logrotate configuration for fishtest %[2]s
%[1]s/%[2]s/*.log {
    daily
    rotate %[3]d
    compress
    delaycompress
    missingok
    notifempty
    create 0644 fishtest fishtest
    sharedscripts
    postrotate
        systemctl kill -s HUP fishtest-%[2]s 2>/dev/null || true
    endscript
}
`, dir, component, keepDays)
}
