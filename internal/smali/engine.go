package smali

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/sirupsen/logrus"
)

var (
	urlRegex = regexp.MustCompile(`http[s]?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\\(\\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)
	ipRegex  = regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3}`)
)

// Result 一个反汇编目录的扫描结果
type Result struct {
	Calls          []string         // 行为模式标签，首次出现顺序
	URLs           []string         // URL 和 IP，首次出现顺序
	AdNetworks     []string         // 广告网络，参考表顺序
	APIPermissions []string         // API 推断出的权限
	APICalls       []domain.APICall // (api, permission) 对
	FilesScanned   int
	FilesSkipped   int
}

// Engine 静态扫描引擎，构建后只读，可被多个任务并发使用
type Engine struct {
	catalogue []Rule
	ads       AdTable
	apis      APITable
}

// NewEngine 创建扫描引擎
func NewEngine(catalogue []Rule, ads AdTable, apis APITable) *Engine {
	if catalogue == nil {
		catalogue = DefaultCatalogue()
	}
	return &Engine{catalogue: catalogue, ads: ads, apis: apis}
}

// orderedSet 有序去重集合
type orderedSet struct {
	items []string
	seen  map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(v string) bool {
	if _, ok := s.seen[v]; ok {
		return false
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
	return true
}

// Scan 扫描目录下所有文本文件
// 单个文件读取失败跳过并告警；目录无法打开时返回已有的部分结果和 ErrScanIO
func (e *Engine) Scan(ctx context.Context, dir string, log logrus.FieldLogger) (*Result, error) {
	result := &Result{}

	files, smaliFiles, walkErr := listFiles(dir)
	if walkErr != nil && len(files) == 0 {
		log.WithError(walkErr).WithField("dir", dir).Error("Error traversing smali directory")
		return result, fmt.Errorf("%w: %s: %v", domain.ErrScanIO, dir, walkErr)
	}
	if walkErr != nil {
		log.WithError(walkErr).WithField("dir", dir).Warn("Smali directory partially unreadable")
	}

	calls := newOrderedSet()
	urls := newOrderedSet()

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).WithField("file", path).Warn("Skipping unreadable file")
			result.FilesSkipped++
			continue
		}
		result.FilesScanned++

		lines := strings.Split(string(data), "\n")
		e.matchLines(lines, calls, urls, log)

		if strings.HasSuffix(path, ".smali") {
			e.matchAPIs(string(data), result, log)
		}
	}

	result.Calls = calls.items
	result.URLs = urls.items
	result.AdNetworks = e.detectAds(smaliFiles, log)

	log.WithFields(logrus.Fields{
		"dir":         dir,
		"files":       result.FilesScanned,
		"calls":       len(result.Calls),
		"urls":        len(result.URLs),
		"ad_networks": len(result.AdNetworks),
	}).Info("Finished smali scan")

	if walkErr != nil {
		return result, fmt.Errorf("%w: %s: %v", domain.ErrScanIO, dir, walkErr)
	}
	return result, nil
}

// matchLines 对每一行独立匹配行为目录、URL 和 IP
func (e *Engine) matchLines(lines []string, calls, urls *orderedSet, log logrus.FieldLogger) {
	for idx, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		for _, rule := range e.catalogue {
			if !strings.Contains(line, rule.Pattern) {
				continue
			}
			label, ok := rule.Apply(lines, idx)
			if ok && calls.add(label) {
				log.Debugf("Found: %s", label)
			}
		}

		for _, u := range urlRegex.FindAllString(line, -1) {
			if urls.add(u) {
				log.Debugf("URL: %s", u)
			}
		}
		for _, ip := range ipRegex.FindAllString(line, -1) {
			if urls.add(ip) {
				log.Debugf("IP: %s", ip)
			}
		}
	}
}

// matchAPIs 按整个文件内容匹配 API 签名
func (e *Engine) matchAPIs(content string, result *Result, log logrus.FieldLogger) {
	for _, m := range e.apis {
		if !strings.Contains(content, m.API) {
			continue
		}
		if m.Permission != "" && !contains(result.APIPermissions, m.Permission) {
			result.APIPermissions = append(result.APIPermissions, m.Permission)
			log.Debugf("api-permission: %s", m.Permission)
		}
		result.APICalls = append(result.APICalls, domain.APICall{API: m.API, Permission: m.Permission})
	}
}

// detectAds 文件路径包含片段即视为命中，按参考表顺序去重
func (e *Engine) detectAds(smaliFiles []string, log logrus.FieldLogger) []string {
	found := newOrderedSet()
	for _, entry := range e.ads {
		if entry.Name == "" || entry.Path == "" {
			continue
		}
		for _, f := range smaliFiles {
			if strings.Contains(f, entry.Path) {
				if found.add(entry.Name) {
					log.Debugf("Detected: %s", entry.Name)
				}
				break
			}
		}
	}
	return found.items
}

// listFiles 递归列出目录下的普通文件（排序保证结果顺序稳定）
func listFiles(dir string) (all []string, smaliFiles []string, err error) {
	var firstErr error
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		all = append(all, path)
		if strings.HasSuffix(path, ".smali") {
			rel, relErr := filepath.Rel(dir, path)
			if relErr != nil {
				rel = path
			}
			smaliFiles = append(smaliFiles, filepath.ToSlash(rel))
		}
		return nil
	})
	if walkErr != nil {
		return nil, nil, walkErr
	}
	sort.Strings(all)
	sort.Strings(smaliFiles)
	return all, smaliFiles, firstErr
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
