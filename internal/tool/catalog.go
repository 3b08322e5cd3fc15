package tool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenOps-Agent/internal/errors"
)

// Catalog 是工具目录文件的结构。
type Catalog struct {
	Tools []Definition `json:"tools" yaml:"tools"`
}

// LoadCatalog 从 YAML 或 JSON 文件加载工具目录并构建 Registry。
func LoadCatalog(path string) (*Registry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "读取工具目录失败")
	}
	defs, err := ParseCatalog(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return NewRegistry(defs...)
}

// ParseCatalog 解析工具目录内容。
func ParseCatalog(content []byte, ext string) ([]Definition, error) {
	var catalog Catalog
	var err error
	if strings.EqualFold(ext, ".json") {
		err = json.Unmarshal(content, &catalog)
	} else {
		err = yaml.Unmarshal(content, &catalog)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfiguration, err, "解析工具目录失败")
	}
	if len(catalog.Tools) == 0 {
		return nil, xerrors.New(xerrors.CodeFatalConfiguration, "工具目录为空")
	}
	for i := range catalog.Tools {
		catalog.Tools[i].SideEffect = SideEffect(strings.ToUpper(string(catalog.Tools[i].SideEffect)))
	}
	return catalog.Tools, nil
}

// DefaultCatalog 返回运营后台内置的工具集合。
func DefaultCatalog() []Definition {
	return []Definition{
		{
			Name:        "get_order",
			Description: "Fetch a single order with its items, payment and shipping state.",
			SideEffect:  SideEffectRead,
			Closed:      true,
			Parameters: []Field{
				{Name: "order_id", Type: TypeString, Required: true, Description: "Order identifier"},
			},
			Endpoint: Endpoint{Method: "GET", Path: "/orders/{order_id}"},
		},
		{
			Name:        "list_orders",
			Description: "List recent orders, optionally filtered by status.",
			SideEffect:  SideEffectRead,
			Parameters: []Field{
				{Name: "status", Type: TypeString, Enum: []string{"pending", "paid", "shipped", "delivered", "cancelled", "refunded"}},
				{Name: "limit", Type: TypeInteger, Default: 20, Description: "Maximum number of orders"},
			},
			Endpoint: Endpoint{Method: "GET", Path: "/orders"},
		},
		{
			Name:        "update_order_status",
			Description: "Move an order to a new fulfilment status.",
			SideEffect:  SideEffectWrite,
			Closed:      true,
			Parameters: []Field{
				{Name: "order_id", Type: TypeString, Required: true},
				{Name: "status", Type: TypeString, Required: true, Enum: []string{"paid", "shipped", "delivered", "cancelled"}},
				{Name: "note", Type: TypeString},
			},
			Endpoint: Endpoint{Method: "PATCH", Path: "/orders/{order_id}/status"},
		},
		{
			Name:        "process_refund",
			Description: "Refund an order to the original payment method.",
			SideEffect:  SideEffectSensitive,
			Closed:      true,
			Parameters: []Field{
				{Name: "id", Type: TypeString, Required: true, Description: "Order identifier"},
				{Name: "amount", Type: TypeNumber, Description: "Amount to refund; defaults to the full order total"},
				{Name: "reason", Type: TypeString, Required: true},
			},
			Endpoint: Endpoint{Method: "POST", Path: "/orders/{id}/refund"},
		},
		{
			Name:        "get_ticket",
			Description: "Fetch a support ticket and its conversation.",
			SideEffect:  SideEffectRead,
			Closed:      true,
			Parameters: []Field{
				{Name: "id", Type: TypeInteger, Required: true},
			},
			Endpoint: Endpoint{Method: "GET", Path: "/tickets/{id}"},
		},
		{
			Name:        "reply_ticket",
			Description: "Post a reply to a support ticket.",
			SideEffect:  SideEffectWrite,
			Closed:      true,
			Parameters: []Field{
				{Name: "id", Type: TypeInteger, Required: true},
				{Name: "message", Type: TypeString, Required: true},
				{Name: "internal", Type: TypeBoolean, Default: false, Description: "Visible to staff only"},
			},
			Endpoint: Endpoint{Method: "POST", Path: "/tickets/{id}/replies"},
		},
		{
			Name:        "close_ticket",
			Description: "Close a support ticket.",
			SideEffect:  SideEffectWrite,
			Closed:      true,
			Parameters: []Field{
				{Name: "id", Type: TypeInteger, Required: true},
				{Name: "resolution", Type: TypeString},
			},
			Endpoint: Endpoint{Method: "POST", Path: "/tickets/{id}/close"},
		},
		{
			Name:        "publish_post",
			Description: "Publish a content post to the storefront.",
			SideEffect:  SideEffectWrite,
			Parameters: []Field{
				{Name: "title", Type: TypeString, Required: true},
				{Name: "body", Type: TypeString, Required: true},
				{Name: "tags", Type: TypeArray, Items: TypeString},
			},
			Endpoint: Endpoint{Method: "POST", Path: "/posts"},
		},
		{
			Name:        "delete_post",
			Description: "Permanently delete a content post.",
			SideEffect:  SideEffectSensitive,
			Closed:      true,
			Parameters: []Field{
				{Name: "post_id", Type: TypeString, Required: true},
			},
			Endpoint: Endpoint{Method: "DELETE", Path: "/posts/{post_id}"},
		},
		{
			Name:        "set_maintenance_mode",
			Description: "Turn storefront maintenance mode on or off.",
			SideEffect:  SideEffectSensitive,
			Closed:      true,
			Parameters: []Field{
				{Name: "enabled", Type: TypeBoolean, Required: true},
				{Name: "message", Type: TypeString},
			},
			Endpoint: Endpoint{Method: "PUT", Path: "/site/maintenance"},
		},
	}
}

// NewDefaultRegistry 使用内置工具集合构建 Registry。
func NewDefaultRegistry() (*Registry, error) {
	return NewRegistry(DefaultCatalog()...)
}

// MustDefaultRegistry 与 NewDefaultRegistry 相同，出错时 panic，仅用于测试与示例。
func MustDefaultRegistry() *Registry {
	r, err := NewDefaultRegistry()
	if err != nil {
		panic(fmt.Sprintf("default catalog is invalid: %v", err))
	}
	return r
}
