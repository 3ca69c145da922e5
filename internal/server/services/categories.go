package services

import (
	"strconv"
	"strings"
)

// Category is one of the four waste classes the scorer and the bins know.
type Category struct {
	Class int
	// Key is the stored form.
	Key   string
	Label string
	Hint  string
	// Points awarded for a device classification.
	Points int64
}

var categories = []Category{
	{Class: 0, Key: "other", Label: "其他垃圾", Points: 1,
		Hint: "请投放到灰色其他垃圾桶中。常见物品：餐具、纸巾、烟头等。"},
	{Class: 1, Key: "hazardous", Label: "有害垃圾", Points: 2,
		Hint: "请投放到红色有害垃圾桶中，避免直接接触。常见物品：电池、灯管、药品等。"},
	{Class: 2, Key: "recyclable", Label: "可回收垃圾", Points: 3,
		Hint: "请投放到蓝色可回收垃圾桶中，助力回收利用绿色环保。常见物品：纸张、塑料瓶、金属等。"},
	{Class: 3, Key: "kitchen", Label: "厨余垃圾", Points: 1,
		Hint: "请投放到绿色厨余垃圾桶中，注意沥干水分。常见物品：剩菜剩饭、果皮等。"},
}

var categoryAliases = map[string]int{
	"residual": 0,
	"harmful":  1,
	"recycle":  2,
	"food":     3,
	"wet":      3,
	"dry":      0,
}

// CategoryByClass returns the category for a scorer class index.
func CategoryByClass(class int) (Category, bool) {
	if class < 0 || class >= len(categories) {
		return Category{}, false
	}
	return categories[class], true
}

// NormalizeCategory accepts a class index ("2"), an English name
// ("recyclable") or the Chinese label ("可回收垃圾").
func NormalizeCategory(raw string) (Category, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Category{}, false
	}

	if n, err := strconv.Atoi(s); err == nil {
		return CategoryByClass(n)
	}

	lower := strings.ToLower(s)
	for _, c := range categories {
		if lower == c.Key || s == c.Label {
			return c, true
		}
	}
	if class, ok := categoryAliases[lower]; ok {
		return categories[class], true
	}
	return Category{}, false
}
