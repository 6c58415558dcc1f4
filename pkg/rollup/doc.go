/*
Package rollup compacts raw traffic events into hourly aggregate rows.

# Closed Hours

An hour is only rolled up once every source has synced past it. The ingestion
watermark is the smallest cursor position across visits, clicks and
conversions, and an hour H is closed when

	H + 1h + safety margin <= watermark

Rolling up an open hour is not an error; the result is reported as skipped so
the scheduler simply tries again later.

# Recompute, Never Increment

Each rollup reads every raw event of the hour and rebuilds all of its rows:

	visits      ─┐
	clicks      ─┼─► group by (campaign, country, device) ─► replace hour
	conversions ─┘

Rows are replaced as a whole hour, so running the same hour twice, out of
order, or in parallel with other hours converges to the same stored state.
Ratios are derived from the freshly summed counts:

	ctr = clicks / visits * 100        (2 places)
	cr  = conversions / visits * 100   (2 places)
	epc = revenue / clicks             (4 places)

A zero denominator yields zero. Cost comes from visits, revenue and payout from
conversions (bucketed by postback time), and profit = revenue - cost.

# Late Data

RollupPending recomputes every closed hour within a trailing window behind the
watermark each cycle, so events that arrive late for a recent hour are folded
in on the next run. Hours older than that window are only revised by an
explicit Backfill.
*/
package rollup
