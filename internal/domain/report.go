package domain

import (
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/utils"
)

// Findings 同一类别下的发现值，保持首次出现顺序并去重
type Findings struct {
	values []string
	seen   map[string]struct{}
}

// Add 追加一个值（先清洗，空值和重复值忽略），返回是否新增
func (f *Findings) Add(value string) bool {
	v := utils.Sanitize(value)
	if strings.TrimSpace(v) == "" {
		return false
	}
	if f.seen == nil {
		f.seen = make(map[string]struct{})
	}
	if _, ok := f.seen[v]; ok {
		return false
	}
	f.seen[v] = struct{}{}
	f.values = append(f.values, v)
	return true
}

// AddAll 批量追加
func (f *Findings) AddAll(values []string) {
	for _, v := range values {
		f.Add(v)
	}
}

// Values 返回值的副本
func (f *Findings) Values() []string {
	out := make([]string, len(f.values))
	copy(out, f.values)
	return out
}

func (f *Findings) Len() int {
	return len(f.values)
}

// Reset 清空（某个提取步骤失败时类别记为空）
func (f *Findings) Reset() {
	f.values = nil
	f.seen = nil
}

// APICall API 调用与其推断出的权限
type APICall struct {
	API        string `json:"api"`
	Permission string `json:"permission"`
}

// RawReport 单个样本的未编码报告
type RawReport struct {
	SHA256      string
	MD5         string
	SSDeep      string
	PackageName string
	SDKVersion  string
	APKName     string

	findings     map[Category]*Findings
	apiCalls     []APICall
	seenAPICalls map[APICall]struct{}
}

// NewRawReport 根据样本标量信息创建报告
func NewRawReport(sample *Sample) *RawReport {
	r := &RawReport{
		PackageName:  NoLabel,
		SDKVersion:   NoLabel,
		SSDeep:       NotAvailable,
		findings:     make(map[Category]*Findings, len(AllCategories)),
		seenAPICalls: make(map[APICall]struct{}),
	}
	if sample != nil {
		r.SHA256 = sample.SHA256
		r.MD5 = sample.MD5
		r.APKName = sample.Name
		if sample.SSDeep != "" {
			r.SSDeep = sample.SSDeep
		}
	}
	for _, c := range AllCategories {
		r.findings[c] = &Findings{}
	}
	return r
}

// Findings 返回某个类别的发现集合
func (r *RawReport) Findings(c Category) *Findings {
	f, ok := r.findings[c]
	if !ok {
		f = &Findings{}
		r.findings[c] = f
	}
	return f
}

// Values 返回某个类别的有序值
func (r *RawReport) Values(c Category) []string {
	return r.Findings(c).Values()
}

// AddAPICall 记录 (api, permission) 对（重复的对忽略），api_calls 类别同步记录 API
func (r *RawReport) AddAPICall(api, permission string) {
	api = utils.Sanitize(api)
	if api == "" {
		return
	}
	call := APICall{API: api, Permission: utils.Sanitize(permission)}
	if r.seenAPICalls == nil {
		r.seenAPICalls = make(map[APICall]struct{})
	}
	if _, dup := r.seenAPICalls[call]; !dup {
		r.seenAPICalls[call] = struct{}{}
		r.apiCalls = append(r.apiCalls, call)
	}
	r.Findings(CategoryAPICall).Add(api)
}

// APICalls 返回全部 (api, permission) 对
func (r *RawReport) APICalls() []APICall {
	out := make([]APICall, len(r.apiCalls))
	copy(out, r.apiCalls)
	return out
}

// Count 所有类别的发现总数
func (r *RawReport) Count() int {
	n := 0
	for _, f := range r.findings {
		n += f.Len()
	}
	return n
}

type rawReportJSON struct {
	SHA256             string    `json:"sha256"`
	MD5                string    `json:"md5"`
	SSDeep             string    `json:"ssdeep"`
	PackageName        string    `json:"package_name"`
	SDKVersion         string    `json:"sdk_version"`
	APKName            string    `json:"apk_name"`
	AppPermissions     []string  `json:"app_permissions"`
	APIPermissions     []string  `json:"api_permissions"`
	APICalls           []APICall `json:"api_calls"`
	Features           []string  `json:"features"`
	Intents            []string  `json:"intents"`
	Activities         []string  `json:"activities"`
	ServicesReceivers  []string  `json:"s_and_r"`
	InterestingCalls   []string  `json:"interesting_calls"`
	URLs               []string  `json:"urls"`
	Networks           []string  `json:"networks"`
	Providers          []string  `json:"providers"`
	IncludedFiles      []string  `json:"included_files"`
	DetectedAdNetworks []string  `json:"detected_ad_networks"`
}

// MarshalJSON 按固定字段顺序输出原始报告
func (r *RawReport) MarshalJSON() ([]byte, error) {
	return utils.MarshalJSON(rawReportJSON{
		SHA256:             r.SHA256,
		MD5:                r.MD5,
		SSDeep:             r.SSDeep,
		PackageName:        r.PackageName,
		SDKVersion:         r.SDKVersion,
		APKName:            r.APKName,
		AppPermissions:     r.Values(CategoryPermission),
		APIPermissions:     r.Values(CategoryAPIPermission),
		APICalls:           r.APICalls(),
		Features:           r.Values(CategoryFeature),
		Intents:            r.Values(CategoryIntent),
		Activities:         r.Values(CategoryActivity),
		ServicesReceivers:  r.Values(CategoryServiceOrReceiver),
		InterestingCalls:   r.Values(CategoryBehavioralPattern),
		URLs:               r.Values(CategoryURLOrIP),
		Networks:           r.Values(CategoryNetworkReference),
		Providers:          r.Values(CategoryProvider),
		IncludedFiles:      r.Values(CategoryIncludedFile),
		DetectedAdNetworks: r.Values(CategoryAdNetwork),
	}, "")
}
