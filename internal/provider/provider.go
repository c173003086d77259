// Package provider 决定每次合成请求由哪种执行模式处理。
package provider

import (
	"fmt"
	"strings"
)

// Provider 执行模式。
type Provider string

const (
	Auto      Provider = "auto"
	Local     Provider = "local"
	Inference Provider = "inference"
	Stub      Provider = "stub"
)

// Parse 解析模式字符串，空串视为 auto。
func Parse(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Auto, nil
	case Auto, Local, Inference, Stub:
		return p, nil
	default:
		return "", fmt.Errorf("未知的 provider: %q（可选 auto, local, inference, stub）", s)
	}
}

// Catalog 本地模型可用性查询，由模型管理器实现。
type Catalog interface {
	IsLocallyAvailable(modelID string) bool
	SupportsFamily(modelID string) (bool, string)
}

// Decision 一次解析的结果。
type Decision struct {
	Provider Provider
	Reason   string
}

// Resolver 按固定规则解析 provider，本身无可变状态。
type Resolver struct {
	mode           Provider
	catalog        Catalog
	inferenceReady bool
}

// NewResolver 创建解析器。mode 为配置的全局模式，非 auto 时作为默认覆盖。
func NewResolver(mode Provider, catalog Catalog, inferenceReady bool) *Resolver {
	if mode == "" {
		mode = Auto
	}
	return &Resolver{mode: mode, catalog: catalog, inferenceReady: inferenceReady}
}

// Mode 返回配置的全局模式。
func (r *Resolver) Mode() Provider { return r.mode }

// InferenceReady 报告远程推理凭据是否已配置。
func (r *Resolver) InferenceReady() bool { return r.inferenceReady }

// Resolve 返回处理该模型的 provider。
// 显式指定优先，其次是配置的全局模式；auto 时依次尝试本地、远程推理、stub。
func (r *Resolver) Resolve(explicit Provider, modelID string) Decision {
	if explicit != "" && explicit != Auto {
		return Decision{Provider: explicit, Reason: "explicit"}
	}
	if r.mode != Auto {
		return Decision{Provider: r.mode, Reason: "configured"}
	}

	var localReason string
	switch {
	case r.catalog == nil || modelID == "":
		localReason = "no local model"
	case !r.catalog.IsLocallyAvailable(modelID):
		localReason = fmt.Sprintf("模型 %s 未下载", modelID)
	default:
		ok, reason := r.catalog.SupportsFamily(modelID)
		if ok {
			return Decision{Provider: Local, Reason: "本地模型可用"}
		}
		localReason = reason
	}

	if r.inferenceReady {
		return Decision{Provider: Inference, Reason: localReason}
	}
	return Decision{Provider: Stub, Reason: localReason + "; 未配置远程推理凭据"}
}
