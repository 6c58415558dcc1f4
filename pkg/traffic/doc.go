// Package traffic holds the data model shared by ingestion, rollup and detection.
//
// An Event is one visit, click or conversion reported by the upstream tracker.
// Visits and clicks are keyed by click_id; a conversion is keyed by
// (click_id, postback timestamp) because one click may convert more than once.
// Money is carried as fixed-point decimals rounded to six fractional digits so
// repeated aggregation never drifts.
package traffic
