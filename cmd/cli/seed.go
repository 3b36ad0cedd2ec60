package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"strata/internal/common"
	"strata/internal/db"
)

const seedIndexKey = "__cli_seed_index__"

func loadSeedIndex(engine *db.DB) int {
	if val, err := engine.Get([]byte(seedIndexKey)); err == nil {
		if idx, err := strconv.Atoi(string(val)); err == nil {
			fmt.Printf("resumed seed index from %d\n", idx)
			return idx
		}
	}
	return 0
}

var kvPairs = [][2]string{
	{"apple", "artichoke"},
	{"banana", "broccoli"},
	{"cherry", "cabbage"},
	{"durian", "daikon"},
	{"elderberry", "eggplant"},
	{"fig", "fennel"},
	{"grapefruit", "ginger"},
	{"honeydew", "horseradish"},
	{"imbe", "ivygourd"},
	{"jackfruit", "jicama"},
	{"kiwi", "kale"},
	{"lime", "leek"},
	{"mango", "mushroom"},
	{"nectarine", "nopale"},
	{"orange", "okra"},
	{"peach", "peas"},
	{"quince", "quinoa"},
	{"raspberry", "radish"},
	{"strawberry", "spinach"},
	{"tangerine", "tomato"},
	{"ugni", "ube"},
	{"voavanga", "vanilla"},
	{"watermelon", "watercress"},
	{"ximenia", "xanthan"},
	{"yuzu", "yam"},
	{"zarzamora", "zucchini"},
}

// runSeed writes x rounds of fruit/vegetable pairs, shuffled per round.
func runSeed(engine *db.DB, logger *zap.Logger, x int, seedIndex *int) {
	start := time.Now()
	count := 0
	startIndex := *seedIndex

	// Randomize the order of fruits for more realistic workload
	shuffled := make([][2]string, len(kvPairs))
	copy(shuffled, kvPairs)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	for i := 0; i < x; i++ {
		for _, pair := range shuffled {
			key := fmt.Sprintf("%s%d", pair[0], *seedIndex)
			value := fmt.Sprintf("%s%d", pair[1], *seedIndex)
			if err := engine.Set([]byte(key), []byte(value)); err != nil {
				fmt.Printf("seed error: %v\n", err)
				continue
			}
			count++
		}
		*seedIndex++
	}

	// Persist seed index to DB
	if err := engine.Set([]byte(seedIndexKey), []byte(fmt.Sprint(*seedIndex))); err != nil {
		fmt.Printf("warning: failed to persist seed index: %v\n", err)
	}

	if count == 0 {
		return
	}
	avgPerEntry := time.Since(start) / time.Duration(count)
	common.LogDuration(logger, start, "seeded",
		zap.Int("entries", count),
		zap.Int("rounds", x),
		zap.Int("first_index", startIndex),
		zap.Int("last_index", *seedIndex-1),
		zap.Duration("per_entry", avgPerEntry))
	fmt.Printf("seeded %d entries (26 * %d, index %d-%d)\n", count, x, startIndex, *seedIndex-1)
}
