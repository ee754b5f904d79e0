package shopping

import (
	"sort"
	"strings"
	"unicode"
)

const CategoryOther = "Other"

// Categorize guesses an aisle for an item name. Names are split into words
// and matched against keyword phrases, longest phrase first, so "peanut
// butter" lands in Pantry rather than Dairy. Plurals match their singular.
func Categorize(name string) string {
	words := tokenize(name)
	if len(words) == 0 {
		return CategoryOther
	}
	for _, p := range phrases {
		if containsRun(words, p.words) {
			return p.category
		}
	}
	return CategoryOther
}

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"Produce", []string{
		"apple", "banana", "orange", "lemon", "lime", "avocado", "tomato", "potato",
		"sweet potato", "onion", "garlic", "lettuce", "spinach", "kale", "broccoli",
		"carrot", "celery", "cucumber", "pepper", "bell pepper", "mushroom", "corn",
		"zucchini", "berry", "strawberry", "blueberry", "raspberry", "grape", "melon",
		"watermelon", "pear", "peach", "mango", "pineapple", "cilantro", "parsley",
		"basil", "ginger", "salad", "fruit", "vegetable", "herb",
	}},
	{"Dairy", []string{
		"milk", "cheese", "butter", "yogurt", "yoghurt", "cream", "sour cream",
		"cream cheese", "cottage cheese", "egg", "half and half", "oat milk",
		"almond milk",
	}},
	{"Meat & Seafood", []string{
		"chicken", "beef", "ground beef", "pork", "bacon", "sausage", "ham", "turkey",
		"steak", "lamb", "salmon", "tuna steak", "shrimp", "fish", "cod", "mince",
		"hot dog", "deli meat",
	}},
	{"Bakery", []string{
		"bread", "bagel", "bun", "roll", "tortilla", "croissant", "muffin", "pita",
		"baguette", "cake",
	}},
	{"Frozen", []string{
		"frozen", "ice cream", "frozen pizza", "frozen vegetable", "ice", "popsicle",
		"fish stick",
	}},
	{"Pantry", []string{
		"rice", "pasta", "spaghetti", "noodle", "flour", "sugar", "salt", "oil",
		"olive oil", "vinegar", "cereal", "oat", "oatmeal", "bean", "lentil",
		"canned", "soup", "broth", "chicken broth", "sauce", "tomato sauce",
		"ketchup", "mustard", "mayo", "mayonnaise", "honey", "jam", "peanut butter",
		"spice", "canned tuna", "tuna", "baking soda", "baking powder", "yeast",
	}},
	{"Beverages", []string{
		"coffee", "tea", "juice", "orange juice", "soda", "water", "sparkling water",
		"beer", "wine", "kombucha", "lemonade",
	}},
	{"Snacks", []string{
		"chip", "cracker", "cookie", "cookies", "pretzel", "popcorn", "nut", "granola bar",
		"chocolate", "candy", "trail mix",
	}},
	{"Baby", []string{
		"diaper", "nappy", "wipe", "baby wipe", "formula", "baby food", "pacifier",
	}},
	{"Household", []string{
		"paper towel", "toilet paper", "tissue", "trash bag", "bin bag",
		"dish soap", "detergent", "laundry detergent", "dishwasher tablet",
		"sponge", "bleach", "cleaner", "foil", "aluminum foil", "plastic wrap",
		"battery", "light bulb",
	}},
	{"Personal Care", []string{
		"shampoo", "conditioner", "soap", "body wash", "toothpaste", "toothbrush",
		"deodorant", "razor", "lotion", "sunscreen", "floss",
	}},
}

type phrase struct {
	words    []string
	category string
}

var phrases = buildPhrases()

func buildPhrases() []phrase {
	var out []phrase
	for _, c := range categoryKeywords {
		for _, k := range c.keywords {
			out = append(out, phrase{words: tokenize(k), category: c.category})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].words) > len(out[j].words)
	})
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, f := range fields {
		fields[i] = singular(f)
	}
	return fields
}

func singular(w string) string {
	switch {
	case len(w) <= 3:
		return w
	case strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "oes"), strings.HasSuffix(w, "ches"), strings.HasSuffix(w, "shes"):
		return w[:len(w)-2]
	case strings.HasSuffix(w, "ss"), strings.HasSuffix(w, "us"):
		return w
	case strings.HasSuffix(w, "s"):
		return w[:len(w)-1]
	}
	return w
}

// containsRun reports whether needle appears as consecutive words in hay.
func containsRun(hay, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(hay) {
		return false
	}
outer:
	for i := 0; i+len(needle) <= len(hay); i++ {
		for j, w := range needle {
			if hay[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}
