package sync

import (
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

// The functions below are the only place delivery states change. Each takes
// the current Delivery by value and returns the next one, so the same rules
// apply to the global record and to every per-peer server record.

// Enqueue moves a record picked by extraction to PendingSend. A record that
// exhausted its retry budget is refused with MaxRetryReached until reset.
func Enqueue(d models.Delivery) (models.Delivery, error) {
	switch {
	case d.State == models.StateFailedAndStopped:
		return d, syncerr.New(syncerr.MaxRetryReached,
			"record stopped after %d attempts; reset it to retry", d.RetryCount)
	case !d.State.IsEligible():
		return d, syncerr.New(syncerr.ConstraintViolation, "cannot enqueue a record in state %s", d.State)
	}
	d.State = models.StatePendingSend
	return d, nil
}

// MarkSent records a successful dispatch. A record that failed before is
// SentAgain.
func MarkSent(d models.Delivery) (models.Delivery, error) {
	if d.State != models.StatePendingSend {
		return d, syncerr.New(syncerr.ConstraintViolation, "cannot mark a record in state %s as sent", d.State)
	}
	if d.RetryCount > 0 {
		d.State = models.StateSentAgain
	} else {
		d.State = models.StateSent
	}
	return d, nil
}

// MarkSendFailed records a transport failure.
func MarkSendFailed(d models.Delivery, maxRetry int, reason string) models.Delivery {
	return fail(d, models.StateSendFailed, maxRetry, reason)
}

// ApplyOutcome folds the state a peer reported for the record into d.
// Duplicate outcomes for a record that already settled leave it unchanged.
func ApplyOutcome(d models.Delivery, outcome models.RecordState, maxRetry int, reason string) (models.Delivery, error) {
	if d.State.IsSettled() {
		return d, nil
	}
	switch outcome {
	case models.StateCommitted, models.StateAlreadyCommitted, models.StateCommittedAndConfirmationSent:
		d.State = outcome
		d.ErrorMessage = ""
		return d, nil
	case models.StateRejected:
		d.State = models.StateRejected
		d.ErrorMessage = reason
		return d, nil
	case models.StateFailed, models.StateFailedAndStopped:
		return fail(d, models.StateFailed, maxRetry, reason), nil
	default:
		return d, syncerr.New(syncerr.MalformedTransmission, "outcome %q is not a delivery result", outcome)
	}
}

// fail increments the retry counter and stops the record once the counter
// exceeds maxRetry.
func fail(d models.Delivery, state models.RecordState, maxRetry int, reason string) models.Delivery {
	d.RetryCount++
	d.ErrorMessage = reason
	if d.RetryCount > maxRetry {
		d.State = models.StateFailedAndStopped
	} else {
		d.State = state
	}
	return d
}

// Reset returns a record to New with a cleared counter.
func Reset(d models.Delivery) (models.Delivery, error) {
	if d.State.IsFinal() {
		return d, syncerr.New(syncerr.ConstraintViolation, "a %s record cannot be reset", d.State)
	}
	return models.Delivery{State: models.StateNew}, nil
}

// Remove excludes a record from future delivery.
func Remove(d models.Delivery) (models.Delivery, error) {
	if d.State.IsFinal() {
		return d, syncerr.New(syncerr.ConstraintViolation, "a %s record cannot be removed", d.State)
	}
	return models.Delivery{State: models.StateNotSupposedToSync}, nil
}
