package pulsez

import "github.com/zoobzio/clockz"

// Clock is the time source of the engine. The dispatcher's batch wait, the
// worker periods, breaker recovery, cooldowns, override expiry and every
// event and alert timestamp read it, so a fake clock makes all of them
// deterministic.
type Clock = clockz.Clock

// Timer bounds the dispatcher's wait for a batch to fill.
type Timer = clockz.Timer

// Ticker drives the periodic aggregator, alert and forecast cycles.
type Ticker = clockz.Ticker

// RealClock is used when no WithClock option is given.
var RealClock Clock = clockz.RealClock
