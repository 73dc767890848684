package sync

import (
	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/pkg/api"
)

// fromWire converts a serialized object into its cache form.
func fromWire(obj api.SerializedObject) *models.ManagedObject {
	return &models.ManagedObject{
		OID:        obj.OID,
		ID:         obj.ID,
		CName:      obj.CName,
		ProjectOID: obj.ProjectOID,
		CreatorID:  obj.CreatorID,
		ModifierID: obj.ModifierID,
		ModTime:    obj.ModTime,
		Frozen:     obj.Frozen,
		Attrs:      obj.Attrs,
	}
}

// toWire converts a cached object into its wire form.
func toWire(obj *models.ManagedObject) api.SerializedObject {
	return api.SerializedObject{
		OID:        obj.OID,
		ID:         obj.ID,
		CName:      obj.CName,
		ProjectOID: obj.ProjectOID,
		CreatorID:  obj.CreatorID,
		ModifierID: obj.ModifierID,
		ModTime:    obj.ModTime,
		Frozen:     obj.Frozen,
		Attrs:      obj.Attrs,
	}
}
