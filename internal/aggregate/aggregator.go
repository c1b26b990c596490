package aggregate

import (
	"context"
	"fmt"

	"github.com/apk-analysis/drebin-feature-go/internal/domain"
	"github.com/apk-analysis/drebin-feature-go/internal/manifest"
	"github.com/apk-analysis/drebin-feature-go/internal/smali"
	"github.com/apk-analysis/drebin-feature-go/internal/utils"
	"github.com/sirupsen/logrus"
)

// Aggregator 单个样本的发现收集器，每个提取步骤相互隔离
type Aggregator struct {
	report *domain.RawReport
	logger logrus.FieldLogger
	failed []string
}

// New 创建收集器
func New(report *domain.RawReport, logger logrus.FieldLogger) *Aggregator {
	return &Aggregator{report: report, logger: logger}
}

// Report 返回正在构建的原始报告
func (a *Aggregator) Report() *domain.RawReport {
	return a.report
}

// FailedSteps 执行失败的步骤名称
func (a *Aggregator) FailedSteps() []string {
	out := make([]string, len(a.failed))
	copy(out, a.failed)
	return out
}

// Step 执行一个隔离的提取步骤
// 步骤返回错误或 panic 时，其类别清空并记录警告，不影响其他步骤
func (a *Aggregator) Step(name string, categories []domain.Category, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.fail(name, categories, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	if err := fn(); err != nil {
		a.fail(name, categories, err)
		return false
	}
	return true
}

func (a *Aggregator) fail(name string, categories []domain.Category, err error) {
	for _, c := range categories {
		a.report.Findings(c).Reset()
	}
	a.failed = append(a.failed, name)
	a.logger.WithError(err).Warnf("Could not get %s", name)
}

// dump 缓存一次 aapt 输出，同一样本的多个步骤共享
type dump struct {
	load func() (string, error)
	text string
	err  error
	done bool
}

func (d *dump) get() (string, error) {
	if !d.done {
		d.text, d.err = d.load()
		d.done = true
	}
	return d.text, d.err
}

// CollectManifest 运行全部清单相关步骤
func (a *Aggregator) CollectManifest(ctx context.Context, tool manifest.Tool, samplePath string) {
	xmltree := &dump{load: func() (string, error) { return tool.DumpManifest(ctx, samplePath) }}
	badging := &dump{load: func() (string, error) { return tool.DumpBadging(ctx, samplePath) }}

	a.Step("network info", []domain.Category{domain.CategoryNetworkReference}, func() error {
		text, err := xmltree.get()
		if err != nil {
			return err
		}
		refs := manifest.ParseNetworkRefs(text)
		if len(refs) == 0 {
			a.logger.Info("No 'android.net' references found in the manifest")
		}
		a.report.Findings(domain.CategoryNetworkReference).AddAll(refs)
		return nil
	})

	a.Step("sample info", nil, func() error {
		text, err := badging.get()
		if err != nil {
			return err
		}
		info := manifest.ParseSampleInfo(text)
		if name := utils.Sanitize(info.PackageName); name != "" {
			a.report.PackageName = name
		}
		if sdk := utils.Sanitize(info.SDKVersion); sdk != "" {
			a.report.SDKVersion = sdk
		}
		a.logger.WithFields(logrus.Fields{
			"package_name": a.report.PackageName,
			"sdk_version":  a.report.SDKVersion,
		}).Info("Extracted basic information from badging")
		return nil
	})

	a.Step("providers", []domain.Category{domain.CategoryProvider}, func() error {
		text, err := xmltree.get()
		if err != nil {
			return err
		}
		names, blocks := manifest.ParseComponents(text, manifest.ElementProvider)
		a.logger.Infof("Found %d provider blocks", blocks)
		a.checkMismatch("provider", blocks, len(names))
		a.report.Findings(domain.CategoryProvider).AddAll(names)
		return nil
	})

	a.Step("permissions", []domain.Category{domain.CategoryPermission}, func() error {
		text, err := badging.get()
		if err != nil {
			return err
		}
		perms := manifest.ParsePermissions(text)
		if len(perms) == 0 {
			a.logger.Warn("No permissions found in the manifest")
		} else {
			a.logger.Infof("Found %d uses-permissions in AndroidManifest.xml", len(perms))
		}
		a.report.Findings(domain.CategoryPermission).AddAll(perms)
		return nil
	})

	a.Step("activities", []domain.Category{domain.CategoryActivity}, func() error {
		activities := a.report.Findings(domain.CategoryActivity)

		// badging 失败时仍从 xmltree 提取其余 Activity
		if text, err := badging.get(); err == nil {
			if main, ok := manifest.ParseLaunchableActivity(text); ok {
				activities.Add(main)
			} else {
				a.logger.Warn("No launchable activity found in the badging")
			}
		}

		tree, err := xmltree.get()
		if err != nil {
			return err
		}
		names, blocks := manifest.ParseComponents(tree, manifest.ElementActivity)
		a.logger.Infof("Found %d activity blocks", blocks)
		a.checkMismatch("activity", blocks, len(names))
		activities.AddAll(names)
		return nil
	})

	a.Step("features", []domain.Category{domain.CategoryFeature}, func() error {
		text, err := badging.get()
		if err != nil {
			return err
		}
		a.report.Findings(domain.CategoryFeature).AddAll(manifest.ParseFeatures(text))
		return nil
	})

	a.Step("intents", []domain.Category{domain.CategoryIntent}, func() error {
		text, err := xmltree.get()
		if err != nil {
			return err
		}
		intents := manifest.ParseIntents(text)
		if len(intents) == 0 {
			a.logger.Warn("No intents found in the manifest")
		} else {
			a.logger.Infof("Found %d intents in AndroidManifest.xml", len(intents))
		}
		a.report.Findings(domain.CategoryIntent).AddAll(intents)
		return nil
	})

	a.Step("files inside apk", []domain.Category{domain.CategoryIncludedFile}, func() error {
		entries, err := tool.ListEntries(ctx, samplePath)
		if err != nil {
			return err
		}
		a.logger.Infof("Found %d files in the APK", len(entries))
		a.report.Findings(domain.CategoryIncludedFile).AddAll(entries)
		return nil
	})

	a.Step("services/receivers", []domain.Category{domain.CategoryServiceOrReceiver}, func() error {
		text, err := xmltree.get()
		if err != nil {
			return err
		}
		names, blocks := manifest.ParseComponents(text, manifest.ElementService, manifest.ElementReceiver)
		a.logger.Infof("Found %d service and receiver blocks", blocks)
		a.checkMismatch("service/receiver", blocks, len(names))
		a.report.Findings(domain.CategoryServiceOrReceiver).AddAll(names)
		return nil
	})
}

func (a *Aggregator) checkMismatch(kind string, blocks, names int) {
	if blocks == names {
		return
	}
	a.logger.WithFields(logrus.Fields{
		"blocks": blocks,
		"names":  names,
	}).Warnf("Mismatch between %s blocks and extracted names", kind)
}

// AddScan 合并一个代码单元的扫描结果，多个代码单元按处理顺序累积
func (a *Aggregator) AddScan(res *smali.Result) {
	if res == nil {
		return
	}
	a.report.Findings(domain.CategoryBehavioralPattern).AddAll(res.Calls)
	a.report.Findings(domain.CategoryURLOrIP).AddAll(res.URLs)
	a.report.Findings(domain.CategoryAPIPermission).AddAll(res.APIPermissions)
	for _, call := range res.APICalls {
		a.report.AddAPICall(call.API, call.Permission)
	}
	a.report.Findings(domain.CategoryAdNetwork).AddAll(res.AdNetworks)
}
