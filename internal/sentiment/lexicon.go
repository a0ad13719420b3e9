package sentiment

// The lexicon maps sentiment-bearing terms to a signed strength in [-1, 1].
// It leans on crypto-community vocabulary on top of general valence words;
// changing it requires bumping MethodVersion so old scores can be told apart
// from new ones during a backfill.
var lexicon = map[string]float64{
	// positive
	"moon":        0.8,
	"mooning":     0.9,
	"bullish":     0.8,
	"bull":        0.5,
	"pump":        0.5,
	"pumping":     0.6,
	"gem":         0.6,
	"gains":       0.6,
	"profit":      0.5,
	"rally":       0.6,
	"breakout":    0.6,
	"ath":         0.7,
	"hodl":        0.4,
	"undervalued": 0.5,
	"solid":       0.4,
	"great":       0.6,
	"good":        0.4,
	"love":        0.6,
	"excellent":   0.8,
	"awesome":     0.7,
	"amazing":     0.7,
	"strong":      0.4,
	"win":         0.5,
	"winning":     0.6,
	"success":     0.5,
	"promising":   0.5,

	// negative
	"bearish":    -0.8,
	"bear":       -0.5,
	"dump":       -0.6,
	"dumping":    -0.7,
	"crash":      -0.8,
	"crashing":   -0.9,
	"scam":       -0.9,
	"rug":        -0.9,
	"rugpull":    -1.0,
	"rekt":       -0.8,
	"fud":        -0.5,
	"dead":       -0.7,
	"worthless":  -0.9,
	"overvalued": -0.5,
	"loss":       -0.5,
	"losses":     -0.6,
	"drop":       -0.4,
	"dropping":   -0.5,
	"dip":        -0.3,
	"bad":        -0.4,
	"terrible":   -0.8,
	"awful":      -0.8,
	"hate":       -0.6,
	"weak":       -0.4,
	"fail":       -0.6,
	"failing":    -0.7,
	"broken":     -0.5,
	"ponzi":      -0.9,
}

// negators flip the sign of a sentiment term appearing within
// negationWindow tokens after them.
var negators = map[string]bool{
	"not":     true,
	"no":      true,
	"never":   true,
	"nothing": true,
	"isnt":    true,
	"isn't":   true,
	"aint":    true,
	"ain't":   true,
	"dont":    true,
	"don't":   true,
	"doesnt":  true,
	"doesn't": true,
	"wont":    true,
	"won't":   true,
	"cant":    true,
	"can't":   true,
	"without": true,
	"hardly":  true,
	"barely":  true,
}

// intensifiers scale the strength of the next sentiment term within
// intensifierWindow tokens.
var intensifiers = map[string]float64{
	"very":       1.5,
	"extremely":  1.8,
	"absolutely": 1.8,
	"totally":    1.6,
	"really":     1.4,
	"super":      1.5,
	"definitely": 1.3,
	"so":         1.3,
	"insanely":   1.8,
	"slightly":   0.6,
	"somewhat":   0.7,
	"kinda":      0.7,
	"mildly":     0.6,
}
