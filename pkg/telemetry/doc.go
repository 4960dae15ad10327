// Package telemetry provides logging, tracing and metrics for lxtui.
//
// Logging uses zerolog. The interactive console writes its log to a file so
// that log lines never draw over the screen; one-shot commands log to stderr.
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithOperationID(op.ID).WithContainer(op.Target).Info("operation dispatched")
//
// Tracing uses OpenTelemetry with an OTLP gRPC or stdout exporter. Every
// container operation gets a span from dispatch to its terminal state, and
// every LXD API call gets a client span:
//
//	call := telemetry.StartAPICall(ctx, tel.Tracer, tel.Metrics, "PUT", "/1.0/instances/{name}/state")
//	resp, err := do(call.Ctx)
//	call.End(resp.StatusCode, "", err)
//
// Metrics are Prometheus collectors registered on a private registry and
// optionally served over HTTP with ServeMetrics. A nil *Metrics and a nil
// *Tracer are valid and record nothing, so components can be built without
// telemetry in tests.
package telemetry
