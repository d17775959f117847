package types

// Code is the machine-readable outcome attached to a status change. The empty
// code means success.
type Code string

const (
	CodeNone Code = ""

	CodePairPaused         Code = "T-PPAU-01"
	CodePairPausedCancel   Code = "T-PPAU-02"
	CodePairPausedList     Code = "T-PPAU-03"
	CodeAddOrderPaused     Code = "T-AOPA-01"
	CodeNotOwnerAdd        Code = "T-OOCA-01"
	CodeKindNotAllowed     Code = "T-IVOT-01"
	CodePostOnlyPair       Code = "T-POOA-01"
	CodeMarketInAuction    Code = "T-AUCT-04"
	CodePriceDecimals      Code = "T-TMDP-01"
	CodeQuantityDecimals   Code = "T-TMDQ-01"
	CodeInvalidQuantity    Code = "T-IVQT-01"
	CodeInvalidPrice       Code = "T-IVPR-01"
	CodeDuplicateClientID  Code = "T-CLOI-01"
	CodeMarketEmptyBook    Code = "T-MOEB-01"
	CodeMarketBelowMin     Code = "T-LTMT-01"
	CodeLimitBelowMin      Code = "T-LTMT-02"
	CodeMarketAboveMax     Code = "T-MTMT-01"
	CodeLimitAboveMax      Code = "T-MTMT-02"
	CodePostOnlyCross      Code = "T-T2PO-01"
	CodeFOKNotFilled       Code = "T-FOKF-01"
	CodeInsufficientFunds  Code = "P-AFNE-01"
	CodeSettlementShortage Code = "P-AFNE-02"
	CodeBelowMinPost       Code = "T-RMPA-01"
	CodeMaxFillsReached    Code = "T-MNFR-01"
	CodeSelfTradeTaker     Code = "T-STPT-01"
	CodeSelfTradeMaker     Code = "T-STPM-01"
	CodeSelfTradeBoth      Code = "T-STPB-01"
	CodeNotActive          Code = "T-OAEX-01"
	CodeNotOwnerCancel     Code = "T-OOCC-01"
	CodeNotOwnerCancelList Code = "T-OOCC-02"
	CodeMassCancel         Code = "T-USCN-01"

	CodeLimitNotRemovable  Code = "T-LONR-01"
	CodeAuctionNotMatching Code = "T-AUCT-01"
	CodeAuctionPriceDec    Code = "T-AUCT-02"
	CodeAuctionNoPrice     Code = "T-AUCT-03"
	CodeAuctionCrossed     Code = "T-AUCT-05"
)

// CodeError is a structural failure that carries an outcome code. It aborts
// the whole call.
type CodeError struct {
	Code   Code
	Reason string
}

func NewCodeError(code Code, reason string) *CodeError {
	return &CodeError{Code: code, Reason: reason}
}

func (e *CodeError) Error() string {
	return string(e.Code) + ": " + e.Reason
}

func (e *CodeError) OutcomeCode() string { return string(e.Code) }

// Is matches any CodeError carrying the same code.
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	return ok && t.Code == e.Code
}
