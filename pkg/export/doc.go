// Package export writes hourly rollup rows to JSON or CSV.
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h before end)
//   - end: RFC3339 timestamp (default: now)
//   - campaign: campaign id filter (optional)
//
// Example:
//
//	curl "http://localhost:8080/v1/export?format=csv&start=2024-01-01T00:00:00Z" \
//	  -o hourly.csv
//
// # Limits
//
//   - Maximum export time range: 90 days
//   - Default export window: 24 hours
//
// # Data Format
//
// The JSON export wraps the rows with metadata:
//
//	{
//	  "metadata": {
//	    "exported_at": "2024-01-02T03:00:00Z",
//	    "start_time": "2024-01-01T03:00:00Z",
//	    "end_time": "2024-01-02T03:00:00Z",
//	    "row_count": 48,
//	    "format": "json",
//	    "version": "1.0"
//	  },
//	  "rows": [
//	    {
//	      "hour": "2024-01-01T10:00:00Z",
//	      "campaign_id": "C1",
//	      "country_code": "US",
//	      "device_type": "mobile",
//	      "visits": 120,
//	      "conversions": 12,
//	      "cr": "10",
//	      ...
//	    }
//	  ]
//	}
//
// Money and rate columns are written as exact decimal strings in both formats.
package export
