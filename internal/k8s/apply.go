package k8s

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
)

// FieldManager identifies server-side apply writes from this service.
const FieldManager = "kdp-orchestrator"

// DynamicFactory builds a dynamic client and mapper for a kubeconfig.
type DynamicFactory func(kubeconfig []byte) (dynamic.Interface, meta.RESTMapper, error)

// Applier performs server-side apply of arbitrary manifests.
type Applier struct {
	factory DynamicFactory
}

// NewApplier uses NewDynamic when factory is nil.
func NewApplier(factory DynamicFactory) *Applier {
	if factory == nil {
		factory = NewDynamic
	}
	return &Applier{factory: factory}
}

// Apply server-side applies manifest. namespace is used when the manifest has none.
func (a *Applier) Apply(ctx context.Context, kubeconfig []byte, namespace string, manifest map[string]any) error {
	obj := &unstructured.Unstructured{Object: manifest}
	if obj.GetName() == "" {
		return fmt.Errorf("manifest has no metadata.name")
	}
	if obj.GetNamespace() == "" {
		obj.SetNamespace(namespace)
	}

	ri, err := a.resource(kubeconfig, obj.GroupVersionKind(), obj.GetNamespace())
	if err != nil {
		return err
	}

	data, err := json.Marshal(obj.Object)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	force := true
	_, err = ri.Patch(ctx, obj.GetName(), types.ApplyPatchType, data, metav1.PatchOptions{
		FieldManager: FieldManager,
		Force:        &force,
	})
	if err != nil {
		return fmt.Errorf("apply %s %s/%s: %w", obj.GetKind(), obj.GetNamespace(), obj.GetName(), err)
	}
	return nil
}

// Get reads a live object by apiVersion and kind.
func (a *Applier) Get(ctx context.Context, kubeconfig []byte, apiVersion, kind, namespace, name string) (*unstructured.Unstructured, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return nil, fmt.Errorf("parse apiVersion %q: %w", apiVersion, err)
	}
	ri, err := a.resource(kubeconfig, gv.WithKind(kind), namespace)
	if err != nil {
		return nil, err
	}
	return ri.Get(ctx, name, metav1.GetOptions{})
}

func (a *Applier) resource(kubeconfig []byte, gvk schema.GroupVersionKind, namespace string) (dynamic.ResourceInterface, error) {
	dc, mapper, err := a.factory(kubeconfig)
	if err != nil {
		return nil, err
	}
	mapping, err := mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", gvk, err)
	}
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		return dc.Resource(mapping.Resource).Namespace(namespace), nil
	}
	return dc.Resource(mapping.Resource), nil
}
