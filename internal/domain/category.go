package domain

// Category 发现项类别
type Category int

const (
	CategoryPermission Category = iota
	CategoryAPIPermission
	CategoryAPICall
	CategoryBehavioralPattern
	CategoryURLOrIP
	CategoryNetworkReference
	CategoryIntent
	CategoryFeature
	CategoryActivity
	CategoryServiceOrReceiver
	CategoryProvider
	CategoryAdNetwork
	CategoryIncludedFile
)

// AllCategories 全部类别（报告中的固定顺序）
var AllCategories = []Category{
	CategoryPermission,
	CategoryAPIPermission,
	CategoryAPICall,
	CategoryFeature,
	CategoryIntent,
	CategoryActivity,
	CategoryServiceOrReceiver,
	CategoryBehavioralPattern,
	CategoryURLOrIP,
	CategoryNetworkReference,
	CategoryProvider,
	CategoryIncludedFile,
	CategoryAdNetwork,
}

var categoryKeys = map[Category]string{
	CategoryPermission:        "app_permissions",
	CategoryAPIPermission:     "api_permissions",
	CategoryAPICall:           "api_calls",
	CategoryBehavioralPattern: "interesting_calls",
	CategoryURLOrIP:           "urls",
	CategoryNetworkReference:  "networks",
	CategoryIntent:            "intents",
	CategoryFeature:           "features",
	CategoryActivity:          "activities",
	CategoryServiceOrReceiver: "s_and_r",
	CategoryProvider:          "providers",
	CategoryAdNetwork:         "detected_ad_networks",
	CategoryIncludedFile:      "included_files",
}

// Key 返回类别在报告和特征键中的命名空间
func (c Category) Key() string {
	if k, ok := categoryKeys[c]; ok {
		return k
	}
	return "unknown"
}

func (c Category) String() string {
	return c.Key()
}

// ParseCategory 根据命名空间解析类别
func ParseCategory(key string) (Category, bool) {
	for c, k := range categoryKeys {
		if k == key {
			return c, true
		}
	}
	return 0, false
}
