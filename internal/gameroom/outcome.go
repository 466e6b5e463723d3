package gameroom

import "math/rand"

type Choice string

const (
	Stone    Choice = "stone"
	Paper    Choice = "paper"
	Scissors Choice = "scissors"
)

var Choices = []Choice{Stone, Paper, Scissors}

func (c Choice) Valid() bool {
	return c == Stone || c == Paper || c == Scissors
}

// beats maps each choice to the one it defeats.
var beats = map[Choice]Choice{
	Stone:    Scissors,
	Scissors: Paper,
	Paper:    Stone,
}

type Outcome int

const (
	Draw Outcome = iota
	Win
	Loss
)

func (o Outcome) String() string {
	switch o {
	case Win:
		return "win"
	case Loss:
		return "loss"
	default:
		return "draw"
	}
}

// Invert is the same result seen from the other peer.
func (o Outcome) Invert() Outcome {
	switch o {
	case Win:
		return Loss
	case Loss:
		return Win
	default:
		return Draw
	}
}

// Decide is the round result from the perspective of the peer that chose
// mine. Decide(a, b) == Decide(b, a).Invert() for every pair.
func Decide(mine, theirs Choice) Outcome {
	switch {
	case mine == theirs:
		return Draw
	case beats[mine] == theirs:
		return Win
	default:
		return Loss
	}
}

func RandomChoice(rng *rand.Rand) Choice {
	return Choices[rng.Intn(len(Choices))]
}
