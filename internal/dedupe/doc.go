// Package dedupe remembers client-supplied frame ids for a short window so a
// retransmitted chat frame is acknowledged instead of stored twice.
package dedupe
