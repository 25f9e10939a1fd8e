package experts

import "github.com/tachyon-beep/lighthouse/pkg/lherr"

func errDeadlineExceeded(taskID string) error {
	return lherr.New(lherr.KindTimeout, "delegation %q exceeded its queue deadline with no matching expert", taskID)
}
