package controlplane

import (
	"encoding/json"
	"strconv"
	"strings"

	perrors "github.com/pkg/errors"
)

// gatewayMapRecord mirrors the output of "ceph nvme-gw show". Unknown fields are ignored,
// pointers distinguish a missing required field from a zero value.
type gatewayMapRecord struct {
	Pool          string               `json:"pool"`
	Group         string               `json:"group"`
	NumNamespaces *int                 `json:"num-namespaces"`
	Gateways      []gatewayEntryRecord `json:"Created Gateways:"`
}

type gatewayEntryRecord struct {
	ID            *string `json:"gw-id"`
	ANAGroupID    *int    `json:"anagrp-id"`
	Availability  *string `json:"Availability"`
	NumNamespaces *int    `json:"num-namespaces"`
	ANAStates     string  `json:"ana states"`
}

// ParseGatewayMap parses the JSON gateway map of a pool/group
func ParseGatewayMap(out string) (GatewayMap, error) {
	var rec gatewayMapRecord
	if err := json.Unmarshal([]byte(extractJSON(out)), &rec); err != nil {
		return GatewayMap{}, perrors.Wrap(err, "failed to decode gateway map")
	}

	m := GatewayMap{Pool: rec.Pool, Group: rec.Group}
	if rec.NumNamespaces != nil {
		m.NumNamespaces = *rec.NumNamespaces
	}

	for i, gw := range rec.Gateways {
		switch {
		case gw.ID == nil:
			return GatewayMap{}, perrors.Errorf("gateway #%d: missing gw-id", i)
		case gw.ANAGroupID == nil:
			return GatewayMap{}, perrors.Errorf("gateway %s: missing anagrp-id", *gw.ID)
		case gw.Availability == nil:
			return GatewayMap{}, perrors.Errorf("gateway %s: missing Availability", *gw.ID)
		}

		states, err := ParseANAStates(gw.ANAStates)
		if err != nil {
			return GatewayMap{}, perrors.Wrapf(err, "gateway %s", *gw.ID)
		}

		r := GatewayRecord{
			ID:           *gw.ID,
			ANAGroupID:   *gw.ANAGroupID,
			Availability: Availability(strings.ToUpper(strings.TrimSpace(*gw.Availability))),
			States:       states,
		}
		if gw.NumNamespaces != nil {
			r.NumNamespaces = *gw.NumNamespaces
		}
		m.Gateways = append(m.Gateways, r)
	}
	return m, nil
}

// ParseANAStates parses the compact per-gateway state string, e.g.
// " 1: ACTIVE ,  2: STANDBY ,". Empty input yields an empty map.
func ParseANAStates(s string) (map[int]GatewayState, error) {
	states := make(map[int]GatewayState)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idStr, stateStr, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, perrors.Errorf("malformed ana state %q", pair)
		}
		id, err := strconv.Atoi(strings.TrimSpace(idStr))
		if err != nil {
			return nil, perrors.Wrapf(err, "malformed ana group id in %q", pair)
		}
		states[id] = toGatewayState(stateStr)
	}
	return states, nil
}

func toGatewayState(s string) GatewayState {
	switch st := GatewayState(strings.ToUpper(strings.TrimSpace(s))); st {
	case StateActive, StateStandby, StateInactive:
		return st
	default:
		return StateUnknown
	}
}

type subsystemListRecord struct {
	Subsystems []struct {
		NQN *string `json:"nqn"`
	} `json:"subsystems"`
}

// ParseSubsystems returns the subsystem NQNs of a "subsystem list" output
func ParseSubsystems(out string) ([]string, error) {
	var rec subsystemListRecord
	if err := json.Unmarshal([]byte(extractJSON(out)), &rec); err != nil {
		return nil, perrors.Wrap(err, "failed to decode subsystem list")
	}
	nqns := make([]string, 0, len(rec.Subsystems))
	for i, sub := range rec.Subsystems {
		if sub.NQN == nil {
			return nil, perrors.Errorf("subsystem #%d: missing nqn", i)
		}
		nqns = append(nqns, *sub.NQN)
	}
	return nqns, nil
}

type namespaceListRecord struct {
	Namespaces []struct {
		NSID               *int    `json:"nsid"`
		UUID               string  `json:"uuid"`
		Pool               *string `json:"rbd_pool_name"`
		Image              *string `json:"rbd_image_name"`
		LoadBalancingGroup *int    `json:"load_balancing_group"`
	} `json:"namespaces"`
}

// ParseNamespaces returns the namespaces of a "namespace list" output for one subsystem
func ParseNamespaces(subsystem, out string) ([]Namespace, error) {
	var rec namespaceListRecord
	if err := json.Unmarshal([]byte(extractJSON(out)), &rec); err != nil {
		return nil, perrors.Wrapf(err, "failed to decode namespace list of %s", subsystem)
	}
	nss := make([]Namespace, 0, len(rec.Namespaces))
	for i, ns := range rec.Namespaces {
		if ns.NSID == nil || ns.Pool == nil || ns.Image == nil || ns.LoadBalancingGroup == nil {
			return nil, perrors.Errorf("%s namespace #%d: missing nsid, rbd_pool_name, rbd_image_name or load_balancing_group",
				subsystem, i)
		}
		nss = append(nss, Namespace{
			Subsystem:  subsystem,
			NSID:       *ns.NSID,
			UUID:       ns.UUID,
			Pool:       *ns.Pool,
			Image:      *ns.Image,
			ANAGroupID: *ns.LoadBalancingGroup,
		})
	}
	return nss, nil
}

type diskUsageRecord struct {
	Images []struct {
		Name     string  `json:"name"`
		UsedSize *uint64 `json:"used_size"`
	} `json:"images"`
}

// ParseUsedSize returns used_size of the first image of an "rbd du" output
func ParseUsedSize(out string) (uint64, error) {
	var rec diskUsageRecord
	if err := json.Unmarshal([]byte(extractJSON(out)), &rec); err != nil {
		return 0, perrors.Wrap(err, "failed to decode disk usage")
	}
	if len(rec.Images) == 0 {
		return 0, perrors.New("disk usage has no images")
	}
	if rec.Images[0].UsedSize == nil {
		return 0, perrors.Errorf("image %s: missing used_size", rec.Images[0].Name)
	}
	return *rec.Images[0].UsedSize, nil
}

// extractJSON drops anything printed before the JSON document, e.g. container
// runtime warnings emitted by "cephadm shell".
func extractJSON(out string) string {
	if i := strings.IndexAny(out, "{["); i > 0 {
		return out[i:]
	}
	return out
}
