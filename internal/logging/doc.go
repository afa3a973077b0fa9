// Package logging provides structured logging for pharmadir.
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Automatic context field injection (trace_id, run.id, run.stage, request.id)
//   - Secret redaction at the encoder
//   - Sampling below Error (errors are never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithStage(ctx, "filtering")
//	logger.Info(ctx, "batch filtered", zap.Int("kept", n))
//
// Output carries the correlation fields:
//
//	{
//	  "ts": "2025-11-24T10:15:30.000Z",
//	  "level": "info",
//	  "msg": "batch filtered",
//	  "service": "pharmadir",
//	  "run.id": "5b0e...",
//	  "run.stage": "filtering",
//	  "kept": 412
//	}
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertField(t, "test message", "key", "value")
//
// Logger is safe for concurrent use. Child loggers (With, Named) do not
// affect their parent.
package logging
