package harness

// powershellPreamble forces UTF-8 output where the host allows it and parses
// the request body env var into $global:AutomnInput. Parse failures land in
// $global:AutomnInputError instead of aborting the script.
const powershellPreamble = `$AUTOMN_RUN_ID = {{RUN_ID_JSON}}
$__AUTOMN_MARKER_RETURN = "__SCRIPTRETURN__"
$__AUTOMN_MARKER_LOG = "__SCRIPTLOG__"
$__AUTOMN_MARKER_NOTIFY = "__SCRIPTNOTIFY__"

try {
    [Console]::OutputEncoding = [System.Text.Encoding]::UTF8
    $OutputEncoding = [System.Text.Encoding]::UTF8
} catch {}

$global:AutomnInput = $null
$global:AutomnInputError = ""
$__automnInputJson = $env:AUTOMN_INTERNAL_INPUT_JSON
if (-not $__automnInputJson) { $__automnInputJson = $env:AUTOMN_INPUT_JSON }
if (-not $__automnInputJson) { $__automnInputJson = $env:INPUT_JSON }
if ($__automnInputJson) {
    try {
        $global:AutomnInput = $__automnInputJson | ConvertFrom-Json
    } catch {
        $global:AutomnInputError = $_.Exception.Message
    }
}

function __Automn-Json($Value) {
    if ($null -eq $Value) { return "null" }
    try {
        return (ConvertTo-Json -InputObject $Value -Compress -Depth 32)
    } catch {
        return (ConvertTo-Json -InputObject ([string]$Value) -Compress)
    }
}

function __Automn-NotifyLevel($Level) {
    $lvl = ([string]$Level).ToLowerInvariant()
    if ($lvl -eq "warn" -or $lvl -eq "warning") { return "warn" }
    if ($lvl -eq "error") { return "error" }
    return "info"
}

function AutomnReturn($Data) {
    [Console]::Out.Write($__AUTOMN_MARKER_RETURN + (__Automn-Json $Data) + "` + "`" + `n")
}

function AutomnLog($Message, $Level = "info", $Context = $null, $Type = "general") {
    $payload = [ordered]@{
        message = [string]$Message
        level   = if ($Level) { $Level } else { "info" }
        context = $Context
        type    = if ($Type) { $Type } else { "general" }
    }
    [Console]::Out.Write($__AUTOMN_MARKER_LOG + (__Automn-Json $payload) + "` + "`" + `n")
}

function AutomnNotify($Audience, $Message, $Level = "info") {
    $payload = [ordered]@{
        audience = $Audience
        message  = [string]$Message
        level    = (__Automn-NotifyLevel $Level)
    }
    [Console]::Out.Write($__AUTOMN_MARKER_NOTIFY + (__Automn-Json $payload) + "` + "`" + `n")
}

function AutomnRunLog {
    param([Parameter(ValueFromRemainingArguments = $true)]$Values)
    $parts = @()
    foreach ($v in $Values) {
        if ($v -is [System.Collections.IDictionary] -or $v -is [System.Array] -or $v -is [PSCustomObject]) {
            $parts += (__Automn-Json $v)
        } else {
            $parts += [string]$v
        }
    }
    [Console]::Out.Write(($parts -join " ") + "` + "`" + `n")
}
`
