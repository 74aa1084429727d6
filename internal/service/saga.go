package service

import "errors"

// publishThenCommit enforces the ordering every state transition in the
// engine follows: the external notification goes out first, and only a
// successful send is followed by the durable commit. A failed publish
// leaves the entity untouched so the next pass re-evaluates it from
// scratch.
func publishThenCommit(publish, commit func() error) error {
	if err := publish(); err != nil {
		return err
	}
	return commit()
}

// publishOK folds a relay result into a single error: relays signal
// failure either with an error or with an empty event id.
func publishOK(eventID string, err error) error {
	if err != nil {
		return err
	}
	if eventID == "" {
		return errors.New("relay returned no event id")
	}
	return nil
}
