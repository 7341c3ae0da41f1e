package queue

import (
	"time"

	"github.com/mattjoyce/jogd/internal/command"
)

// Item is one entry of the pending buffer: either a command submission or the
// shutdown sentinel.
type Item struct {
	ID          string
	Command     command.Command
	SubmittedBy string
	SubmittedAt time.Time

	// Shutdown marks the sentinel that terminates the delivery loop. It is
	// never a Command.
	Shutdown bool
}

// ShutdownItem returns the shutdown sentinel.
func ShutdownItem() Item {
	return Item{Shutdown: true, SubmittedAt: time.Now().UTC()}
}
