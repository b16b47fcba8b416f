package production

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusQueued:     {StatusInProgress: true, StatusCancelled: true},
	StatusInProgress: {StatusDone: true, StatusCancelled: true},
	StatusDone:       {},
	StatusCancelled:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal statuses are kept for history but never scheduled.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Stage is a fulfillment stage an allocation sits at.
type Stage string

const (
	StagePackaging Stage = "packaging"
	StageShipped   Stage = "shipped"
)

func (s Stage) Valid() bool {
	return s == StagePackaging || s == StageShipped
}

// ProductionStage names a counter of the per-product stage ledger.
type ProductionStage string

const (
	StageOrdered        ProductionStage = "ordered"
	StageAwaitingDetail ProductionStage = "awaiting_detail"
	StageDetailed       ProductionStage = "detailed"
	StagePreFired       ProductionStage = "pre_fired"
	StageFinished       ProductionStage = "finished"
)

// ProductionStages lists the ledger stages in physical order.
var ProductionStages = []ProductionStage{
	StageOrdered, StageAwaitingDetail, StageDetailed, StagePreFired, StageFinished,
}

// Index is the position of s in ProductionStages, -1 if unknown.
func (s ProductionStage) Index() int {
	for i, st := range ProductionStages {
		if st == s {
			return i
		}
	}
	return -1
}

func (s ProductionStage) Valid() bool { return s.Index() >= 0 }

// Fulfillment state of an order line, derived from its allocations and
// queued production.
type FulfillmentState string

const (
	FulfillmentUnallocated           FulfillmentState = "unallocated"
	FulfillmentPartiallyInPackaging  FulfillmentState = "partially_in_packaging"
	FulfillmentPartiallyInProduction FulfillmentState = "partially_in_production"
	FulfillmentFullyPackaged         FulfillmentState = "fully_packaged"
	FulfillmentShipped               FulfillmentState = "shipped"
)

func DeriveFulfillment(requested, packaging, shipped, queued int) FulfillmentState {
	switch {
	case requested > 0 && shipped >= requested:
		return FulfillmentShipped
	case requested > 0 && packaging+shipped >= requested:
		return FulfillmentFullyPackaged
	case queued > 0:
		return FulfillmentPartiallyInProduction
	case packaging+shipped > 0:
		return FulfillmentPartiallyInPackaging
	default:
		return FulfillmentUnallocated
	}
}
