// Package dedupe remembers recently processed message ids so a feed that
// resumes from an overlapping position does not redeliver them.
package dedupe
