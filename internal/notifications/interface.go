package notifications

// Alert levels
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelSuccess = "success"
)

// Notifier defines the interface for notification services
type Notifier interface {
	// SendAlert sends an alert with the specified level and message
	SendAlert(level, message string) error
}

// Nop discards every alert
type Nop struct{}

// SendAlert implements Notifier
func (Nop) SendAlert(string, string) error { return nil }

// Multi fans an alert out to several notifiers and returns the first error
type Multi []Notifier

// SendAlert implements Notifier
func (m Multi) SendAlert(level, message string) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.SendAlert(level, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
