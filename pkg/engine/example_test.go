package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/callsync/callsync/pkg/engine"
)

func ExamplePhoneNormalizer_Normalize() {
	n := &engine.PhoneNormalizer{CountryCode: "7", TrunkPrefix: "8", NationalLength: 10}

	fmt.Println(n.Normalize("+7 (900) 123-45-67"))
	fmt.Println(n.Normalize("8 900 123 45 67"))
	fmt.Println(n.Equal("9001234567", "+79001234567"))
	// Output:
	// 79001234567
	// 79001234567
	// true
}

func ExampleNewReport() {
	resolvedAt := time.Date(2026, 3, 1, 10, 0, 47, 0, time.UTC)
	call := &engine.PendingCall{
		RequestID:         "req-A",
		PhoneNumber:       "79001234567",
		Source:            engine.SourceRemoteCommand,
		State:             engine.CallStateResolved,
		Attempts:          1,
		Outcome:           engine.Completed(45),
		MatchedEvidenceID: "calls/17",
		CreatedAt:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ResolvedAt:        &resolvedAt,
	}

	report, err := engine.NewReport(call)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	out, _ := json.Marshal(report)
	fmt.Println(string(out))
	// Output:
	// {"requestId":"req-A","phoneNumber":"79001234567","outcome":"completed","durationSeconds":45,"resolvedAt":"2026-03-01T10:00:47Z","source":"remote_command","attempts":1}
}

func ExampleDefaultClassifier() {
	entries := []engine.CallLogEntry{
		{Number: "79001234567", Direction: engine.DirectionOutgoing},
		{Number: "79001234567", Direction: engine.DirectionRejected},
		{Number: "79001234567", Direction: engine.DirectionBlocked},
	}
	for _, e := range entries {
		kind, _ := engine.DefaultClassifier{}.Classify(context.Background(), e)
		fmt.Println(kind)
	}
	// Output:
	// no_answer
	// declined
	// declined
}

func ExampleIsPermanent() {
	rejected := engine.NewDeliveryRejectedError("req-A", 422, nil)
	outage := engine.NewTransientNetworkError("report", fmt.Errorf("connection refused"))

	fmt.Println(engine.IsPermanent(rejected), engine.HasCode(rejected, engine.ErrCodeDeliveryRejected))
	fmt.Println(engine.IsPermanent(outage), engine.IsRetryable(outage))
	// Output:
	// true true
	// false true
}
