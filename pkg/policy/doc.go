// Package policy provides the scripted outcome classifier.
//
// When a matched call-log entry shows a zero-duration call, the resolver
// must decide whether the callee declined it or never answered. Device
// firmware disagrees on how rejections are recorded, so the decision can
// be supplied as a Starlark script:
//
//	def classify(entry):
//	    # entry.id, entry.number, entry.timestamp (unix seconds),
//	    # entry.duration, entry.direction
//	    if entry.direction in ("rejected", "blocked"):
//	        return "declined"
//	    return "no_answer"
//
// classify must return "declined" or "no_answer". Any other result, a
// runtime error, or exceeding the step or time budget makes the resolver
// fall back to the built-in direction rules for that entry.
//
// Loader compiles the script into a Classifier and, when watching, reloads
// it on change with fsnotify. A script that fails to compile is rejected
// and the previous program stays active.
package policy
